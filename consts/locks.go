package consts

// PopdAdvisoryLockID is the PostgreSQL advisory lock key taken by popd-admin
// while it runs schema migrations.
const PopdAdvisoryLockID = 42734582

// LockFileName is the name of the per-user lock file in a spool directory.
const LockFileName = ".lock"

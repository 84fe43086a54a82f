package consts

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrAuthenticationFailed = errors.New("authentication failed")

	ErrMailboxLocked       = errors.New("maildrop already locked")
	ErrMessageNotFound     = errors.New("message not found")
	ErrMessageNotAvailable = errors.New("message not available")
	ErrMalformedMessage    = errors.New("malformed message")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)

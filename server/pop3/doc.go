// Package pop3 implements the session engine and TCP server of an RFC 1939
// POP3 service.
//
// # Server States
//
//	Unauthenticated → UserIdentified → Transacting → Closing
//
// USER moves an unauthenticated session to UserIdentified, a matching PASS
// opens the maildrop and enters Transacting. QUIT is accepted in every state;
// from Transacting it commits pending deletions first.
//
// # Supported Commands
//
// Authorization:
//   - USER: name a maildrop
//   - PASS: authenticate and lock the maildrop
//   - QUIT: end the session
//
// Transaction:
//   - STAT: message count and size
//   - LIST: scan listing of one or all messages
//   - RETR: retrieve a message
//   - DELE: mark a message deleted
//   - RSET: unmark all deleted messages
//   - NOOP: do nothing
//
// TOP, UIDL and APOP are recognised and answered with "-ERR Command not
// implemented".
//
// # Collaborators
//
// The engine does not know how users or messages are stored. It consumes a
// Directory to validate users and open maildrops, and the Mailbox and
// Message handles it returns. Deletions are tombstones until QUIT commits
// them; a dropped connection releases the maildrop without committing.
//
// # Usage
//
//	srv, err := pop3.New(ctx, directory, pop3.POP3ServerOptions{
//		Addr:     ":110",
//		Hostname: "mail.example.com",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
package pop3

package helpers

import "fmt"

// NewS3Key constructs the object key under which a user's message body is stored.
func NewS3Key(user, hash string) string {
	return fmt.Sprintf("%s/%s", user, hash)
}

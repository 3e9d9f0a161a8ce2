package cache

import "fmt"

// Key semantics:
// - roomKey(docID):  live clients of a room (ZSet<clientID, expireAtUnix>, score = expireAt)
// - namesKey(docID): clientID -> display name (Hash)

const (
	keyRoomFmt  = "presence:room:{%s}"
	keyNamesFmt = "presence:room:names:{%s}"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

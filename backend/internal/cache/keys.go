package cache

import "fmt"

// Key layout:
// - roomKey(docID):  live members of a document (ZSet<ownerId, expireAtUnix>, score=expireAt)
// - namesKey(docID): ownerId -> username (Hash)
// - quotaKey(ownerID, day): annotations pushed by an owner that day (String counter)
//
// Both keys share the {docID:...} hash tag so the cleanup script touches a
// single cluster slot.
const (
	keyRoomFmt  = "presence:room:{docID:%s}"
	keyNamesFmt = "presence:room:names:{docID:%s}"
	keyQuotaFmt = "quota:push:{owner:%s}:%s"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

func quotaKey(ownerID, day string) string { return fmt.Sprintf(keyQuotaFmt, ownerID, day) }

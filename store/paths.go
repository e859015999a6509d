package store

import "strings"

// Record collections at the store boundary. Each collection holds one record
// per user id.
const (
	CollectionUsers    = "room/users"
	CollectionPresence = "room/presence"
	CollectionTyping   = "room/typing"
	CollectionMessages = "room/messages"
)

func UserPath(id string) string     { return CollectionUsers + "/" + id }
func PresencePath(id string) string { return CollectionPresence + "/" + id }
func TypingPath(id string) string   { return CollectionTyping + "/" + id }
func MessagePath(id string) string  { return CollectionMessages + "/" + id }

// SplitPath splits a record path into its collection and record id. The id is
// empty for a collection path.
func SplitPath(path string) (collection, id string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path, ""
	}
	head := path[:idx]
	switch head {
	case CollectionUsers, CollectionPresence, CollectionTyping, CollectionMessages:
		return head, path[idx+1:]
	}
	return path, ""
}

// pathMatches reports whether a record path falls under a watch path, which is
// either the record itself or its collection.
func pathMatches(watch, record string) bool {
	return watch == record || strings.HasPrefix(record, watch+"/")
}

package redis

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced so several deployments can share one Redis server.
//
// Key pattern: ingenious:{namespace}:conv:{conversation_id}[:messages]

// ConversationKey returns the key holding the conversation state document
// (everything but the message log).
// Pattern: ingenious:{namespace}:conv:{conversation_id}
func ConversationKey(namespace, id string) string {
	return fmt.Sprintf("ingenious:%s:conv:%s", namespace, id)
}

// MessagesKey returns the key of the conversation's message list. The list
// index of a message is always its sequence number minus one.
// Pattern: ingenious:{namespace}:conv:{conversation_id}:messages
func MessagesKey(namespace, id string) string {
	return fmt.Sprintf("ingenious:%s:conv:%s:messages", namespace, id)
}

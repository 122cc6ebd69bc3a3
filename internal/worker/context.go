package worker

import "context"

type conversationKey struct{}

// WithConversation returns a context carrying the conversation ID.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationFrom returns the conversation ID carried by ctx, if any.
func ConversationFrom(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// ContextString reads a string entry from a request context map.
func ContextString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

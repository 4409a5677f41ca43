package domain

// ConversationMessageView is the read-only projection of a Message used in
// conversation listings. It is never persisted.
type ConversationMessageView struct {
	SenderUsername  string
	Text            string
	CreatedUnixTime int64
}

// View projects a Message into its listing shape.
func (m Message) View() ConversationMessageView {
	return ConversationMessageView{
		SenderUsername:  m.SenderUsername,
		Text:            m.Text,
		CreatedUnixTime: m.CreatedUnixTime,
	}
}

package sessionstore

import "time"

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Order of appearance is conversation order.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Session is one named chat thread owned by a single user.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Messages     []Message `json:"messages"`
	SelectedDocs []string  `json:"selectedDocs"`
	// CreatedAt is Unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
}

// Created returns CreatedAt as a time.Time.
func (s Session) Created() time.Time { return time.UnixMilli(s.CreatedAt) }

// clone deep-copies the slices so callers never share backing arrays with
// the store's cache.
func (s Session) clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	if s.SelectedDocs != nil {
		out.SelectedDocs = make([]string, len(s.SelectedDocs))
		copy(out.SelectedDocs, s.SelectedDocs)
	}
	return out
}

// Draft holds the caller-supplied fields of a new session.
type Draft struct {
	Name         string    `json:"name"`
	SelectedDocs []string  `json:"selectedDocs"`
	Messages     []Message `json:"messages"`
}

// Patch is a partial replacement. Nil fields are left untouched; a non-nil
// pointer to an empty slice clears the field.
type Patch struct {
	Name         *string    `json:"name,omitempty"`
	Messages     *[]Message `json:"messages,omitempty"`
	SelectedDocs *[]string  `json:"selectedDocs,omitempty"`
}

func (p Patch) apply(s Session) Session {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Messages != nil {
		s.Messages = append([]Message{}, (*p.Messages)...)
	}
	if p.SelectedDocs != nil {
		s.SelectedDocs = append([]string{}, (*p.SelectedDocs)...)
	}
	return s
}

// AppendMessages returns an updater that appends msgs to whatever the
// session holds at the moment the update is applied.
func AppendMessages(msgs ...Message) func(Session) Patch {
	return func(s Session) Patch {
		next := make([]Message, 0, len(s.Messages)+len(msgs))
		next = append(next, s.Messages...)
		next = append(next, msgs...)
		return Patch{Messages: &next}
	}
}

// SetSelectedDocs is a Patch replacing only the selected documents.
func SetSelectedDocs(docs []string) Patch {
	d := append([]string{}, docs...)
	return Patch{SelectedDocs: &d}
}

// Rename is a Patch replacing only the name.
func Rename(name string) Patch {
	return Patch{Name: &name}
}

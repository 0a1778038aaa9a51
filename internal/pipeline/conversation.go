package pipeline

import "time"

// AppendMessage appends a chat entry to s. It must run inside a Store.Update.
func (s *Session) AppendMessage(role Role, content string) Message {
	return s.appendEntry(role, KindChat, content)
}

// AppendProgress appends a system progress entry and points
// LatestProgressUpdate at it. It must run inside a Store.Update.
func (s *Session) AppendProgress(text string) Message {
	m := s.appendEntry(RoleSystem, KindProgress, text)
	s.LatestProgressUpdate = &ProgressUpdate{Seq: m.Seq, Timestamp: m.Timestamp, Text: m.Content}
	return m
}

func (s *Session) appendEntry(role Role, kind MessageKind, content string) Message {
	now := time.Now().UTC()
	var seq int64 = 1
	if n := len(s.Conversation); n > 0 {
		last := s.Conversation[n-1]
		seq = last.Seq + 1
		// Wall clocks can step backwards; timestamps within a session cannot.
		if now.Before(last.Timestamp) {
			now = last.Timestamp
		}
	}
	m := Message{Seq: seq, Role: role, Kind: kind, Content: content, Timestamp: now}
	s.Conversation = append(s.Conversation, m)
	return m
}

// AppendMessage appends a chat entry to the session's conversation.
func (st *Store) AppendMessage(id string, role Role, content string) (Message, error) {
	var m Message
	err := st.Update(id, func(s *Session) error {
		m = s.AppendMessage(role, content)
		return nil
	})
	return m, err
}

// AppendProgress appends a progress entry and advances the session's
// latest progress pointer in the same mutation.
func (st *Store) AppendProgress(id string, text string) (Message, error) {
	var m Message
	err := st.Update(id, func(s *Session) error {
		m = s.AppendProgress(text)
		return nil
	})
	return m, err
}

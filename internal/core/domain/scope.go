package domain

// RetrievalScope is the ordered set of document ids a user selected for
// grounding. It belongs to the user, not to any chat session.
type RetrievalScope struct {
	UserID      string   `json:"user_id"`
	DocumentIDs []string `json:"document_ids"`
}

func (s RetrievalScope) IsEmpty() bool {
	return len(s.DocumentIDs) == 0
}

func (s RetrievalScope) Contains(id string) bool {
	for _, existing := range s.DocumentIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Clone returns a copy whose id slice does not alias the receiver's.
func (s RetrievalScope) Clone() RetrievalScope {
	ids := make([]string, len(s.DocumentIDs))
	copy(ids, s.DocumentIDs)
	return RetrievalScope{UserID: s.UserID, DocumentIDs: ids}
}

// NormalizeIDs drops empty and duplicate ids keeping first occurrence order.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

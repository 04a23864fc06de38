package engine

// seenSet is a bounded set of recently reconciled transaction ids. The
// platform queue is allowed to deliver a transaction more than once;
// anything in this set is finished immediately without re-submission.
// Oldest entries are evicted first.
type seenSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = 256
	}
	return &seenSet{
		limit: limit,
		ids:   make(map[string]struct{}, limit),
	}
}

func (s *seenSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) Add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.limit {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, evicted)
	}
}

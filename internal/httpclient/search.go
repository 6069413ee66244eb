package httpclient

import "strings"

// Search builds the backend's search query grammar:
// key:v1,v2 (equals), key~v1,v2 (contains), a leading "-" negates a clause,
// clauses are joined with " AND ".
type Search struct {
	clauses []string
}

func NewSearch() *Search { return &Search{} }

func (s *Search) Equals(key string, values ...string) *Search {
	s.clauses = append(s.clauses, key+":"+strings.Join(values, ","))
	return s
}

func (s *Search) NotEquals(key string, values ...string) *Search {
	s.clauses = append(s.clauses, "-"+key+":"+strings.Join(values, ","))
	return s
}

func (s *Search) Contains(key string, values ...string) *Search {
	s.clauses = append(s.clauses, key+"~"+strings.Join(values, ","))
	return s
}

func (s *Search) NotContains(key string, values ...string) *Search {
	s.clauses = append(s.clauses, "-"+key+"~"+strings.Join(values, ","))
	return s
}

// String renders the clauses joined with " AND ", the form that gets
// URL-encoded into the `search` query parameter.
func (s *Search) String() string {
	return strings.Join(s.clauses, " AND ")
}

package forkconfig

// Store is the list of configurations known to one machine, newest first.
// The head of the list is the active configuration.
type Store struct {
	head   *Config
	nextID int
}

// NewStore creates the two configurations every machine starts with: id 0,
// a baseline that forks nothing, and id 1, the active one.
func NewStore() *Store {
	s := &Store{}
	base := New("no-fork")
	base.Debug = 0
	s.link(base)
	s.link(New("default"))
	return s
}

func (s *Store) link(c *Config) {
	c.ID = s.nextID
	s.nextID++
	c.next = s.head
	s.head = c
}

// Active returns the configuration in use.
func (s *Store) Active() *Config {
	return s.head
}

// Find returns the configuration with the given id, or nil.
func (s *Store) Find(id int) *Config {
	for c := s.head; c != nil; c = c.next {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// FindByName returns the first configuration with the given name, or nil.
func (s *Store) FindByName(name string) *Config {
	for c := s.head; c != nil; c = c.next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// All returns the configurations in list order, active first.
func (s *Store) All() []*Config {
	var out []*Config
	for c := s.head; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

// Add assigns c the next id and links it right after the active
// configuration, so it becomes available without being switched to.
func (s *Store) Add(c *Config) *Config {
	c.ID = s.nextID
	s.nextID++
	if s.head == nil {
		c.next = nil
		s.head = c
		return c
	}
	c.next = s.head.next
	s.head.next = c
	return c
}

// Clone copies configuration id into a new, inactive configuration.
func (s *Store) Clone(id int, name string) (*Config, error) {
	src := s.Find(id)
	if src == nil {
		return nil, ErrNotFound
	}
	if name == "" {
		name = src.Name + "-copy"
	}
	return s.Add(src.Clone(name)), nil
}

// SwitchTo unlinks configuration id and relinks it at the head. It fails
// without changing anything if id is unknown or already active.
func (s *Store) SwitchTo(id int) error {
	if s.head != nil && s.head.ID == id {
		return ErrAlreadyActive
	}
	link := &s.head
	for *link != nil && (*link).ID != id {
		link = &(*link).next
	}
	if *link == nil {
		return ErrNotFound
	}
	c := *link
	*link = c.next
	c.next = s.head
	s.head = c
	return nil
}

package sortedindex

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/huandu/skiplist"
)

// SkipList is an ordered index on a probabilistic skip list. The comparable
// has no score function so ordering comes from compare alone.
type SkipList struct {
	list *skiplist.SkipList
	keys map[uuid.UUID]uint256.Int
}

func NewSkipList() *SkipList {
	return &SkipList{
		list: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs interface{}) int {
			return compare(lhs.(entry), rhs.(entry))
		})),
		keys: make(map[uuid.UUID]uint256.Int),
	}
}

func (s *SkipList) Insert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	if err := validate(id, nicr); err != nil {
		return err
	}
	if s.Contains(id) {
		return fmt.Errorf("insert %s: %w", id, ErrAlreadyExists)
	}
	s.list.Set(entry{nicr: *nicr, id: id}, id)
	s.keys[id] = *nicr
	return nil
}

func (s *SkipList) ReInsert(id uuid.UUID, nicr *uint256.Int, prevID, nextID uuid.UUID) error {
	if err := validate(id, nicr); err != nil {
		return err
	}
	if err := s.Remove(id); err != nil {
		return fmt.Errorf("reinsert: %w", err)
	}
	return s.Insert(id, nicr, prevID, nextID)
}

func (s *SkipList) Remove(id uuid.UUID) error {
	key, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	s.list.Remove(entry{nicr: key, id: id})
	delete(s.keys, id)
	return nil
}

func (s *SkipList) Contains(id uuid.UUID) bool {
	_, ok := s.keys[id]
	return ok
}

func (s *SkipList) Len() int {
	return s.list.Len()
}

func (s *SkipList) Key(id uuid.UUID) (*uint256.Int, bool) {
	key, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	return key.Clone(), true
}

func (s *SkipList) First() uuid.UUID {
	return elementID(s.list.Front())
}

func (s *SkipList) Last() uuid.UUID {
	return elementID(s.list.Back())
}

func (s *SkipList) Next(id uuid.UUID) uuid.UUID {
	elem := s.element(id)
	if elem == nil {
		return uuid.Nil
	}
	return elementID(elem.Next())
}

func (s *SkipList) Prev(id uuid.UUID) uuid.UUID {
	elem := s.element(id)
	if elem == nil {
		return uuid.Nil
	}
	return elementID(elem.Prev())
}

func (s *SkipList) ValidInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) bool {
	return validInsertPosition(s, nicr, prevID, nextID)
}

func (s *SkipList) FindInsertPosition(nicr *uint256.Int, prevID, nextID uuid.UUID) (uuid.UUID, uuid.UUID) {
	if s.ValidInsertPosition(nicr, prevID, nextID) {
		return prevID, nextID
	}

	p := probe(nicr)
	next := s.list.Find(p)
	if next != nil && compare(next.Key().(entry), p) == 0 {
		next = next.Next()
	}
	if next == nil {
		return elementID(s.list.Back()), uuid.Nil
	}
	return elementID(next.Prev()), elementID(next)
}

func (s *SkipList) element(id uuid.UUID) *skiplist.Element {
	key, ok := s.keys[id]
	if !ok {
		return nil
	}
	return s.list.Get(entry{nicr: key, id: id})
}

func elementID(elem *skiplist.Element) uuid.UUID {
	if elem == nil {
		return uuid.Nil
	}
	return elem.Value.(uuid.UUID)
}

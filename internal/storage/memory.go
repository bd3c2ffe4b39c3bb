package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/niczy/gitreview/internal/models"
)

// InMemoryStorage implements Storage interface with in-memory data structures
type InMemoryStorage struct {
	mu sync.RWMutex

	// Accounts
	accounts      map[int64]*models.Account // accountID -> account
	accountByName map[string]int64          // lower(username or email) -> accountID
	nextAccountID int64

	// Changes
	changes      map[int64]*models.Change // changeID -> change
	nextChangeID int64

	// Patch sets: changeID -> patch set number -> patch set
	patchSets  map[int64]map[int]*models.PatchSet
	byRevision map[string]models.PatchSetID // revision -> owning patch set

	approvals map[int64]map[string]*models.PatchSetApproval // changeID -> approval key -> approval
	messages  map[int64][]*models.ChangeMessage
}

// NewInMemoryStorage creates a new in-memory storage instance
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		accounts:      make(map[int64]*models.Account),
		accountByName: make(map[string]int64),
		changes:       make(map[int64]*models.Change),
		patchSets:     make(map[int64]map[int]*models.PatchSet),
		byRevision:    make(map[string]models.PatchSetID),
		approvals:     make(map[int64]map[string]*models.PatchSetApproval),
		messages:      make(map[int64][]*models.ChangeMessage),
	}
}

// CreateAccount registers an account, assigning an ID when none is set
func (s *InMemoryStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Username == "" && len(account.Emails) == 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == 0 {
		s.nextAccountID++
		account.ID = s.nextAccountID
	} else if account.ID > s.nextAccountID {
		s.nextAccountID = account.ID
	}
	if _, exists := s.accounts[account.ID]; exists {
		return ErrEntryExists
	}

	for _, name := range accountLookupNames(account) {
		if _, taken := s.accountByName[name]; taken {
			return ErrEntryExists
		}
	}

	copy := *account
	s.accounts[account.ID] = &copy
	for _, name := range accountLookupNames(account) {
		s.accountByName[name] = account.ID
	}
	return nil
}

// GetAccount retrieves an account by ID
func (s *InMemoryStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *account
	return &copy, nil
}

// ResolveAccount looks an account up by username or verified email
func (s *InMemoryStorage) ResolveAccount(ctx context.Context, nameOrEmail string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountByName[strings.ToLower(strings.TrimSpace(nameOrEmail))]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *s.accounts[id]
	return &copy, nil
}

// NextChangeID allocates a fresh change number
func (s *InMemoryStorage) NextChangeID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChangeID++
	return s.nextChangeID, nil
}

// CreateChange stores a new change
func (s *InMemoryStorage) CreateChange(ctx context.Context, change *models.Change) error {
	if change.ID == 0 || change.Project == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[change.ID]; exists {
		return ErrEntryExists
	}

	copy := *change
	s.changes[change.ID] = &copy
	return nil
}

// GetChange retrieves a change by ID
func (s *InMemoryStorage) GetChange(ctx context.Context, id int64) (*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	change, ok := s.changes[id]
	if !ok {
		return nil, ErrChangeNotFound
	}

	// Return a copy to avoid race conditions
	copy := *change
	return &copy, nil
}

// ListChangesByKey returns every change in the project carrying the Change-Id
func (s *InMemoryStorage) ListChangesByKey(ctx context.Context, project, key string) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Change
	for _, change := range s.changes {
		if change.Project == project && change.Key == key {
			copy := *change
			result = append(result, &copy)
		}
	}
	sortChanges(result)
	return result, nil
}

// ListOpenChanges returns the open changes of a project
func (s *InMemoryStorage) ListOpenChanges(ctx context.Context, project string) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Change
	for _, change := range s.changes {
		if change.Project == project {
			copy := *change
			result = append(result, &copy)
		}
	}
	result = openOnly(result)
	sortChanges(result)
	return result, nil
}

// AtomicUpdateChange applies fn while holding the write lock
func (s *InMemoryStorage) AtomicUpdateChange(ctx context.Context, id int64, fn ChangeMutator) (*models.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.changes[id]
	if !ok {
		return nil, ErrChangeNotFound
	}

	next, ok := fn(*current)
	if !ok {
		return nil, ErrUpdateAborted
	}
	next.ID = id
	next.LastUpdatedOn = time.Now()

	s.changes[id] = &next
	copy := next
	return &copy, nil
}

// CreatePatchSet stores a patch set, refusing revisions already in use
func (s *InMemoryStorage) CreatePatchSet(ctx context.Context, ps *models.PatchSet) error {
	if ps.Revision == "" || ps.ID.PatchSetNum < 1 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[ps.ID.ChangeID]; !exists {
		return ErrChangeNotFound
	}
	if _, used := s.byRevision[ps.Revision]; used {
		return ErrRevisionExists
	}
	if s.patchSets[ps.ID.ChangeID] == nil {
		s.patchSets[ps.ID.ChangeID] = make(map[int]*models.PatchSet)
	}
	if _, exists := s.patchSets[ps.ID.ChangeID][ps.ID.PatchSetNum]; exists {
		return ErrEntryExists
	}

	copy := *ps
	copy.Ancestors = append([]string(nil), ps.Ancestors...)
	s.patchSets[ps.ID.ChangeID][ps.ID.PatchSetNum] = &copy
	s.byRevision[ps.Revision] = ps.ID
	return nil
}

// GetPatchSet retrieves a patch set by ID
func (s *InMemoryStorage) GetPatchSet(ctx context.Context, id models.PatchSetID) (*models.PatchSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.patchSets[id.ChangeID][id.PatchSetNum]
	if !ok {
		return nil, ErrPatchSetNotFound
	}
	copy := *ps
	return &copy, nil
}

// ListPatchSets returns the patch sets of a change ordered by number
func (s *InMemoryStorage) ListPatchSets(ctx context.Context, changeID int64) ([]*models.PatchSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.PatchSet, 0, len(s.patchSets[changeID]))
	for _, ps := range s.patchSets[changeID] {
		copy := *ps
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.PatchSetNum < result[j].ID.PatchSetNum
	})
	return result, nil
}

// DeletePatchSet removes a patch set and releases its revision
func (s *InMemoryStorage) DeletePatchSet(ctx context.Context, id models.PatchSetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.patchSets[id.ChangeID][id.PatchSetNum]
	if !ok {
		return ErrPatchSetNotFound
	}
	delete(s.patchSets[id.ChangeID], id.PatchSetNum)
	delete(s.byRevision, ps.Revision)
	return nil
}

// InsertApprovals stores new approvals; all keys must be unused
func (s *InMemoryStorage) InsertApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range approvals {
		if _, exists := s.approvals[a.PatchSetID.ChangeID][a.Key()]; exists {
			return ErrEntryExists
		}
	}
	for _, a := range approvals {
		if s.approvals[a.PatchSetID.ChangeID] == nil {
			s.approvals[a.PatchSetID.ChangeID] = make(map[string]*models.PatchSetApproval)
		}
		copy := *a
		s.approvals[a.PatchSetID.ChangeID][a.Key()] = &copy
	}
	return nil
}

// UpdateApprovals replaces existing approvals
func (s *InMemoryStorage) UpdateApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range approvals {
		if _, exists := s.approvals[a.PatchSetID.ChangeID][a.Key()]; !exists {
			return ErrEntryNotFound
		}
	}
	for _, a := range approvals {
		copy := *a
		s.approvals[a.PatchSetID.ChangeID][a.Key()] = &copy
	}
	return nil
}

// DeleteApprovals removes every approval recorded on a patch set
func (s *InMemoryStorage) DeleteApprovals(ctx context.Context, id models.PatchSetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, a := range s.approvals[id.ChangeID] {
		if a.PatchSetID == id {
			delete(s.approvals[id.ChangeID], key)
		}
	}
	return nil
}

// ListApprovalsByChange returns approvals across all patch sets of a change
func (s *InMemoryStorage) ListApprovalsByChange(ctx context.Context, changeID int64) ([]*models.PatchSetApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.PatchSetApproval, 0, len(s.approvals[changeID]))
	for _, a := range s.approvals[changeID] {
		copy := *a
		result = append(result, &copy)
	}
	sortApprovals(result)
	return result, nil
}

// AddChangeMessage appends a message to the change's audit log
func (s *InMemoryStorage) AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error {
	if msg.UUID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changes[msg.ChangeID]; !exists {
		return ErrChangeNotFound
	}
	copy := *msg
	s.messages[msg.ChangeID] = append(s.messages[msg.ChangeID], &copy)
	return nil
}

// ListChangeMessages returns the audit log of a change in insertion order
func (s *InMemoryStorage) ListChangeMessages(ctx context.Context, changeID int64) ([]*models.ChangeMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.ChangeMessage, 0, len(s.messages[changeID]))
	for _, m := range s.messages[changeID] {
		copy := *m
		result = append(result, &copy)
	}
	return result, nil
}

// Ping checks if storage is accessible
func (s *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func accountLookupNames(account *models.Account) []string {
	var names []string
	if account.Username != "" {
		names = append(names, strings.ToLower(account.Username))
	}
	for _, e := range account.Emails {
		names = append(names, strings.ToLower(e))
	}
	return names
}

func sortChanges(changes []*models.Change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
}

func sortApprovals(approvals []*models.PatchSetApproval) {
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].Key() < approvals[j].Key() })
}

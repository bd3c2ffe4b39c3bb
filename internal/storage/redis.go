package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/niczy/gitreview/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 5

// RedisStorage implements the Storage interface using Redis for the live
// review database and an object store as the durable change archive.
type RedisStorage struct {
	rdb         redis.UniversalClient
	objectStore ObjectStore
	keyPrefix   string
}

// changeRecord is the archived form of one change.
type changeRecord struct {
	Change    *models.Change     `json:"change"`
	PatchSets []*models.PatchSet `json:"patch_sets"`
}

// NewRedisStorage creates a Redis-backed storage implementation.
func NewRedisStorage(rdb redis.UniversalClient, objectStore ObjectStore, keyPrefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, objectStore: objectStore, keyPrefix: keyPrefix}
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (s *RedisStorage) key(parts ...string) string {
	if s.keyPrefix == "" {
		return fmt.Sprintf("gitreview:%s", joinKey(parts...))
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, joinKey(parts...))
}

func joinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshal[T any](raw string, target *T) error {
	return json.Unmarshal([]byte(raw), target)
}

func archiveKey(changeID int64) string {
	return fmt.Sprintf("changes/%d.json", changeID)
}

// archiveChange writes the change and its patch sets to the object store.
func (s *RedisStorage) archiveChange(ctx context.Context, changeID int64) error {
	change, err := s.getCachedChange(ctx, changeID)
	if err != nil {
		return err
	}
	patchSets, err := s.ListPatchSets(ctx, changeID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(&changeRecord{Change: change, PatchSets: patchSets})
	if err != nil {
		return err
	}
	return s.objectStore.PutObject(ctx, archiveKey(changeID), raw)
}

func (s *RedisStorage) loadArchive(ctx context.Context, changeID int64) (*changeRecord, error) {
	raw, err := s.objectStore.GetObject(ctx, archiveKey(changeID))
	if err != nil {
		return nil, err
	}
	var rec changeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Change == nil {
		return nil, ErrEntryNotFound
	}
	return &rec, nil
}

// restoreChange re-caches an archived change and its patch sets in Redis.
func (s *RedisStorage) restoreChange(ctx context.Context, rec *changeRecord) error {
	raw, err := marshal(rec.Change)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("change", itoa(rec.Change.ID)), raw, 0)
	pipe.SAdd(ctx, s.key("project_changes", rec.Change.Project), rec.Change.ID)
	pipe.SAdd(ctx, s.key("change_key", rec.Change.Project, rec.Change.Key), rec.Change.ID)
	for _, ps := range rec.PatchSets {
		psRaw, err := marshal(ps)
		if err != nil {
			pipe.Discard()
			return err
		}
		pipe.Set(ctx, s.patchSetKey(ps.ID), psRaw, 0)
		pipe.ZAdd(ctx, s.key("change_patchsets", itoa(ps.ID.ChangeID)), redis.Z{Score: float64(ps.ID.PatchSetNum), Member: ps.ID.PatchSetNum})
		pipe.Set(ctx, s.key("revision", ps.Revision), ps.ID.String(), 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// CreateAccount registers an account and its lookup names.
func (s *RedisStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	ctx = ensureCtx(ctx)
	if account.Username == "" && len(account.Emails) == 0 {
		return ErrInvalidInput
	}

	if account.ID == 0 {
		id, err := s.rdb.Incr(ctx, s.key("account_seq")).Result()
		if err != nil {
			return err
		}
		account.ID = id
	}

	ok, err := s.rdb.SetNX(ctx, s.key("account", itoa(account.ID)), "", 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntryExists
	}

	var claimed []string
	for _, name := range accountLookupNames(account) {
		nameKey := s.key("account_name", name)
		ok, err := s.rdb.SetNX(ctx, nameKey, account.ID, 0).Result()
		if err != nil || !ok {
			claimed = append(claimed, s.key("account", itoa(account.ID)))
			_ = s.rdb.Del(ctx, claimed...).Err()
			if err != nil {
				return err
			}
			return ErrEntryExists
		}
		claimed = append(claimed, nameKey)
	}

	raw, err := marshal(account)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("account", itoa(account.ID)), raw, 0).Err()
}

// GetAccount retrieves an account by ID.
func (s *RedisStorage) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.rdb.Get(ctx, s.key("account", itoa(id))).Result()
	if err == redis.Nil || (err == nil && raw == "") {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	var account models.Account
	if err := unmarshal(raw, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// ResolveAccount finds an account by username or verified email.
func (s *RedisStorage) ResolveAccount(ctx context.Context, nameOrEmail string) (*models.Account, error) {
	ctx = ensureCtx(ctx)
	name := strings.ToLower(strings.TrimSpace(nameOrEmail))
	id, err := s.rdb.Get(ctx, s.key("account_name", name)).Int64()
	if err == redis.Nil {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

// NextChangeID allocates a change number from a Redis counter.
func (s *RedisStorage) NextChangeID(ctx context.Context) (int64, error) {
	ctx = ensureCtx(ctx)
	return s.rdb.Incr(ctx, s.key("change_seq")).Result()
}

// CreateChange stores a new change and indexes it by project and Change-Id.
func (s *RedisStorage) CreateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if change.ID == 0 || change.Project == "" {
		return ErrInvalidInput
	}

	raw, err := marshal(change)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, s.key("change", itoa(change.ID)), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntryExists
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.key("project_changes", change.Project), change.ID)
	pipe.SAdd(ctx, s.key("change_key", change.Project, change.Key), change.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	return s.archiveChange(ctx, change.ID)
}

func (s *RedisStorage) getCachedChange(ctx context.Context, id int64) (*models.Change, error) {
	raw, err := s.rdb.Get(ctx, s.key("change", itoa(id))).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrChangeNotFound
		}
		return nil, err
	}

	var change models.Change
	if err := unmarshal(raw, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// GetChange retrieves a change, falling back to the durable archive.
func (s *RedisStorage) GetChange(ctx context.Context, id int64) (*models.Change, error) {
	ctx = ensureCtx(ctx)
	change, err := s.getCachedChange(ctx, id)
	if !errors.Is(err, ErrChangeNotFound) {
		return change, err
	}

	rec, loadErr := s.loadArchive(ctx, id)
	if loadErr != nil {
		return nil, ErrChangeNotFound
	}
	_ = s.restoreChange(ctx, rec)
	return rec.Change, nil
}

func (s *RedisStorage) changesFromSet(ctx context.Context, setKey string) ([]*models.Change, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Change, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt change index %s: %w", setKey, err)
		}
		change, err := s.GetChange(ctx, id)
		if errors.Is(err, ErrChangeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	sortChanges(result)
	return result, nil
}

// ListChangesByKey returns every change in the project carrying the Change-Id.
func (s *RedisStorage) ListChangesByKey(ctx context.Context, project, key string) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	return s.changesFromSet(ctx, s.key("change_key", project, key))
}

// ListOpenChanges returns the open changes of a project.
func (s *RedisStorage) ListOpenChanges(ctx context.Context, project string) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	changes, err := s.changesFromSet(ctx, s.key("project_changes", project))
	if err != nil {
		return nil, err
	}
	return openOnly(changes), nil
}

// AtomicUpdateChange runs fn inside WATCH/MULTI and retries when another
// writer touched the change between read and write.
func (s *RedisStorage) AtomicUpdateChange(ctx context.Context, id int64, fn ChangeMutator) (*models.Change, error) {
	ctx = ensureCtx(ctx)

	key := s.key("change", itoa(id))
	attempts := 0
	var updated *models.Change
	for {
		attempts++
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrChangeNotFound
			}
			if err != nil {
				return err
			}

			var current models.Change
			if err := unmarshal(raw, &current); err != nil {
				return err
			}

			next, ok := fn(current)
			if !ok {
				return ErrUpdateAborted
			}
			next.ID = id
			next.LastUpdatedOn = time.Now()

			rawNext, err := marshal(&next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, key, rawNext, 0).Err()
			})
			if err == nil {
				updated = &next
			}
			return err
		}, key)

		if err == nil {
			break
		}
		if err == redis.TxFailedErr {
			if attempts < maxUpdateAttempts {
				continue
			}
			return nil, fmt.Errorf("%w: change %d", ErrTooManyConflicts, id)
		}
		return nil, err
	}

	if err := s.archiveChange(ctx, id); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStorage) patchSetKey(id models.PatchSetID) string {
	return s.key("patchset", itoa(id.ChangeID), strconv.Itoa(id.PatchSetNum))
}

// CreatePatchSet stores a patch set; its revision must not be in use.
func (s *RedisStorage) CreatePatchSet(ctx context.Context, ps *models.PatchSet) error {
	ctx = ensureCtx(ctx)
	if ps.Revision == "" || ps.ID.PatchSetNum < 1 {
		return ErrInvalidInput
	}
	if _, err := s.GetChange(ctx, ps.ID.ChangeID); err != nil {
		return err
	}

	revKey := s.key("revision", ps.Revision)
	ok, err := s.rdb.SetNX(ctx, revKey, ps.ID.String(), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRevisionExists
	}

	raw, err := marshal(ps)
	if err != nil {
		_ = s.rdb.Del(ctx, revKey).Err()
		return err
	}
	ok, err = s.rdb.SetNX(ctx, s.patchSetKey(ps.ID), raw, 0).Result()
	if err != nil || !ok {
		_ = s.rdb.Del(ctx, revKey).Err()
		if err != nil {
			return err
		}
		return ErrEntryExists
	}

	member := redis.Z{Score: float64(ps.ID.PatchSetNum), Member: ps.ID.PatchSetNum}
	if err := s.rdb.ZAdd(ctx, s.key("change_patchsets", itoa(ps.ID.ChangeID)), member).Err(); err != nil {
		return err
	}
	return s.archiveChange(ctx, ps.ID.ChangeID)
}

// GetPatchSet retrieves a patch set by ID.
func (s *RedisStorage) GetPatchSet(ctx context.Context, id models.PatchSetID) (*models.PatchSet, error) {
	ctx = ensureCtx(ctx)
	raw, err := s.rdb.Get(ctx, s.patchSetKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPatchSetNotFound
		}
		return nil, err
	}

	var ps models.PatchSet
	if err := unmarshal(raw, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// ListPatchSets returns the patch sets of a change ordered by number.
func (s *RedisStorage) ListPatchSets(ctx context.Context, changeID int64) ([]*models.PatchSet, error) {
	ctx = ensureCtx(ctx)
	nums, err := s.rdb.ZRange(ctx, s.key("change_patchsets", itoa(changeID)), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	result := make([]*models.PatchSet, 0, len(nums))
	for _, raw := range nums {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt patch set index for change %d: %w", changeID, err)
		}
		ps, err := s.GetPatchSet(ctx, models.PatchSetID{ChangeID: changeID, PatchSetNum: n})
		if errors.Is(err, ErrPatchSetNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.PatchSetNum < result[j].ID.PatchSetNum
	})
	return result, nil
}

// DeletePatchSet removes a patch set and releases its revision.
func (s *RedisStorage) DeletePatchSet(ctx context.Context, id models.PatchSetID) error {
	ctx = ensureCtx(ctx)
	ps, err := s.GetPatchSet(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.patchSetKey(id))
	pipe.Del(ctx, s.key("revision", ps.Revision))
	pipe.ZRem(ctx, s.key("change_patchsets", itoa(id.ChangeID)), id.PatchSetNum)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.archiveChange(ctx, id.ChangeID)
}

func (s *RedisStorage) approvalsKey(changeID int64) string {
	return s.key("approvals", itoa(changeID))
}

// InsertApprovals stores new approvals; the whole batch fails if any key is taken.
func (s *RedisStorage) InsertApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error {
	ctx = ensureCtx(ctx)
	byChange := make(map[int64][]*models.PatchSetApproval)
	for _, a := range approvals {
		byChange[a.PatchSetID.ChangeID] = append(byChange[a.PatchSetID.ChangeID], a)
	}

	for changeID, batch := range byChange {
		key := s.approvalsKey(changeID)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			for _, a := range batch {
				exists, err := tx.HExists(ctx, key, a.Key()).Result()
				if err != nil {
					return err
				}
				if exists {
					return ErrEntryExists
				}
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, a := range batch {
					raw, err := marshal(a)
					if err != nil {
						return err
					}
					pipe.HSet(ctx, key, a.Key(), raw)
				}
				return nil
			})
			return err
		}, key)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateApprovals overwrites existing approvals.
func (s *RedisStorage) UpdateApprovals(ctx context.Context, approvals []*models.PatchSetApproval) error {
	ctx = ensureCtx(ctx)
	for _, a := range approvals {
		exists, err := s.rdb.HExists(ctx, s.approvalsKey(a.PatchSetID.ChangeID), a.Key()).Result()
		if err != nil {
			return err
		}
		if !exists {
			return ErrEntryNotFound
		}
	}

	pipe := s.rdb.TxPipeline()
	for _, a := range approvals {
		raw, err := marshal(a)
		if err != nil {
			pipe.Discard()
			return err
		}
		pipe.HSet(ctx, s.approvalsKey(a.PatchSetID.ChangeID), a.Key(), raw)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteApprovals removes every approval recorded on a patch set.
func (s *RedisStorage) DeleteApprovals(ctx context.Context, id models.PatchSetID) error {
	ctx = ensureCtx(ctx)
	approvals, err := s.ListApprovalsByChange(ctx, id.ChangeID)
	if err != nil {
		return err
	}

	var fields []string
	for _, a := range approvals {
		if a.PatchSetID == id {
			fields = append(fields, a.Key())
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.approvalsKey(id.ChangeID), fields...).Err()
}

// ListApprovalsByChange returns approvals across all patch sets of a change.
func (s *RedisStorage) ListApprovalsByChange(ctx context.Context, changeID int64) ([]*models.PatchSetApproval, error) {
	ctx = ensureCtx(ctx)
	entries, err := s.rdb.HGetAll(ctx, s.approvalsKey(changeID)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*models.PatchSetApproval, 0, len(entries))
	for _, raw := range entries {
		var a models.PatchSetApproval
		if err := unmarshal(raw, &a); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	sortApprovals(result)
	return result, nil
}

// AddChangeMessage appends to the change's message list.
func (s *RedisStorage) AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error {
	ctx = ensureCtx(ctx)
	if msg.UUID == "" {
		return ErrInvalidInput
	}
	if _, err := s.GetChange(ctx, msg.ChangeID); err != nil {
		return err
	}

	raw, err := marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key("messages", itoa(msg.ChangeID)), raw).Err()
}

// ListChangeMessages returns the audit log of a change in insertion order.
func (s *RedisStorage) ListChangeMessages(ctx context.Context, changeID int64) ([]*models.ChangeMessage, error) {
	ctx = ensureCtx(ctx)
	entries, err := s.rdb.LRange(ctx, s.key("messages", itoa(changeID)), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	result := make([]*models.ChangeMessage, 0, len(entries))
	for _, raw := range entries {
		var msg models.ChangeMessage
		if err := unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	return result, nil
}

// Ping checks Redis connectivity.
func (s *RedisStorage) Ping(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	return s.rdb.Ping(ctx).Err()
}

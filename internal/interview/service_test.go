package interview

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusalloc/internal/allocation"
	"campusalloc/internal/queue"
)

type fakeStore struct {
	drives      map[string]*Drive
	slots       []Slot
	assignments map[string][]string // slotID -> studentIDs
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		drives:      map[string]*Drive{},
		assignments: map[string][]string{},
	}
}

func (f *fakeStore) GetDrive(ctx context.Context, id string) (*Drive, error) {
	d, ok := f.drives[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) ListSlots(ctx context.Context, driveID string) ([]Slot, error) {
	var out []Slot
	for _, s := range f.slots {
		if s.DriveID == driveID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSlot(ctx context.Context, slot *Slot) error {
	if slot.ID == "" {
		slot.ID = fmt.Sprintf("slot-%d", len(f.slots)+1)
	}
	f.slots = append(f.slots, *slot)
	return nil
}

func (f *fakeStore) SetSlotRequest(ctx context.Context, slotID, requestID string) error {
	for i := range f.slots {
		if f.slots[i].ID == slotID {
			f.slots[i].RoomRequestID = requestID
		}
	}
	return nil
}

func (f *fakeStore) FillCounts(ctx context.Context, driveID string) (map[string]int, error) {
	out := map[string]int{}
	for slotID, students := range f.assignments {
		out[slotID] = len(students)
	}
	return out, nil
}

func (f *fakeStore) HasAssignment(ctx context.Context, driveID, studentID string) (bool, error) {
	for _, students := range f.assignments {
		for _, s := range students {
			if s == studentID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStore) InsertAssignment(ctx context.Context, slotID, studentID string) error {
	f.assignments[slotID] = append(f.assignments[slotID], studentID)
	return nil
}

type fakeRequests struct {
	created []*allocation.Request
}

func (f *fakeRequests) CreateRequest(ctx context.Context, req *allocation.Request) error {
	if req.ID == "" {
		req.ID = fmt.Sprintf("req-%d", len(f.created)+1)
	}
	f.created = append(f.created, req)
	return nil
}

type fakeNotifier struct {
	user []string
}

func (f *fakeNotifier) User(ctx context.Context, userID, subject, body, priority, relatedType, relatedID string) error {
	f.user = append(f.user, userID+": "+subject)
	return nil
}

func (f *fakeNotifier) Admins(ctx context.Context, subject, body, priority, relatedType, relatedID string) error {
	return nil
}

func newTestService(store *fakeStore, requests *fakeRequests, notifier *fakeNotifier, q queue.Queue) *Service {
	return NewService(store, requests, notifier, q, zap.NewNop())
}

func morningDrive(stage string) *Drive {
	return &Drive{
		ID: "drive-1", CompanyName: "Acme", Stage: stage,
		Date: "2026-10-05", StartTime: "09:00:00", EndTime: "12:00:00",
	}
}

func TestEnsureSlotsGeneratesHourlySlots(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("SHORTLISTED")
	requests := &fakeRequests{}
	q := queue.NewInMemory(16)
	svc := newTestService(store, requests, &fakeNotifier{}, q)

	slots, err := svc.EnsureSlots(context.Background(), "drive-1", "admin")
	require.NoError(t, err)

	require.Len(t, slots, 3)
	assert.Equal(t, "09:00:00", slots[0].StartTime)
	assert.Equal(t, "10:00:00", slots[0].EndTime)
	assert.Equal(t, "11:00:00", slots[2].StartTime)
	for _, s := range slots {
		assert.Equal(t, 20, s.Capacity)
		assert.NotEmpty(t, s.RoomRequestID)
	}

	// One room request per slot, sized to slot capacity.
	require.Len(t, requests.created, 3)
	for _, req := range requests.created {
		assert.Equal(t, allocation.RequestInterview, req.Type)
		assert.Equal(t, 20, req.Strength)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	evt, err := queue.DecodeAllocateRoom(<-msgs)
	require.NoError(t, err)
	assert.Equal(t, slots[0].ID, evt.InterviewSlotID)
}

func TestEnsureSlotsIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("SHORTLISTED")
	requests := &fakeRequests{}
	svc := newTestService(store, requests, &fakeNotifier{}, queue.NewInMemory(16))

	first, err := svc.EnsureSlots(context.Background(), "drive-1", "admin")
	require.NoError(t, err)
	second, err := svc.EnsureSlots(context.Background(), "drive-1", "admin")
	require.NoError(t, err)

	assert.Len(t, second, len(first))
	assert.Len(t, requests.created, 3)
}

func TestEnsureSlotsStageGate(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("COMPLETED")
	svc := newTestService(store, &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(16))

	slots, err := svc.EnsureSlots(context.Background(), "drive-1", "admin")
	require.NoError(t, err)
	assert.Empty(t, slots)
	assert.Empty(t, store.slots)
}

func TestEnsureSlotsDriveNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(4))
	_, err := svc.EnsureSlots(context.Background(), "missing", "admin")
	assert.ErrorIs(t, err, ErrDriveNotFound)
}

func TestEnsureSlotsShortWindow(t *testing.T) {
	store := newFakeStore()
	drive := morningDrive("SHORTLISTED")
	drive.EndTime = "09:45:00"
	store.drives["drive-1"] = drive
	svc := newTestService(store, &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(16))

	slots, err := svc.EnsureSlots(context.Background(), "drive-1", "admin")
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func seedSlots(store *fakeStore, capacity int, n int) {
	for i := 0; i < n; i++ {
		store.slots = append(store.slots, Slot{
			ID:      fmt.Sprintf("slot-%d", i+1),
			DriveID: "drive-1", Date: "2026-10-05",
			StartTime: fromMinutes(540 + i*60),
			EndTime:   fromMinutes(600 + i*60),
			Capacity:  capacity,
		})
	}
}

func TestAssignStudentsRoundRobin(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("INTERVIEWS")
	seedSlots(store, 20, 3)
	svc := newTestService(store, &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(16))

	result, err := svc.AssignStudents(context.Background(), "drive-1",
		[]string{"stu-1", "stu-2", "stu-3", "stu-4"})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Assigned)
	assert.Zero(t, result.SkippedExisting)

	// Students spread across slots before any slot takes a second one.
	assert.Equal(t, []string{"stu-1", "stu-4"}, store.assignments["slot-1"])
	assert.Equal(t, []string{"stu-2"}, store.assignments["slot-2"])
	assert.Equal(t, []string{"stu-3"}, store.assignments["slot-3"])
}

func TestAssignStudentsSkipsExisting(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("INTERVIEWS")
	seedSlots(store, 20, 2)
	store.assignments["slot-1"] = []string{"stu-1"}
	svc := newTestService(store, &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(16))

	result, err := svc.AssignStudents(context.Background(), "drive-1", []string{"stu-1", "stu-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Assigned)
	assert.Equal(t, 1, result.SkippedExisting)
}

func TestAssignStudentsFullCalendar(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("INTERVIEWS")
	seedSlots(store, 1, 2)
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeRequests{}, notifier, queue.NewInMemory(16))

	result, err := svc.AssignStudents(context.Background(), "drive-1",
		[]string{"stu-1", "stu-2", "stu-3"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Assigned)
	assert.Contains(t, notifier.user, "stu-3: Interview Scheduling Pending")
}

func TestAssignStudentsNoSlots(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("INTERVIEWS")
	svc := newTestService(store, &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(16))

	result, err := svc.AssignStudents(context.Background(), "drive-1", []string{"stu-1"})
	require.NoError(t, err)
	assert.True(t, result.NoSlots)
	assert.Zero(t, result.Assigned)
}

func TestAssignStudentsDriveNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeRequests{}, &fakeNotifier{}, queue.NewInMemory(4))
	_, err := svc.AssignStudents(context.Background(), "missing", []string{"stu-1"})
	assert.ErrorIs(t, err, ErrDriveNotFound)
}

func TestAssignmentNoticeMentionsRoomState(t *testing.T) {
	store := newFakeStore()
	store.drives["drive-1"] = morningDrive("INTERVIEWS")
	seedSlots(store, 20, 1)
	store.slots[0].RoomAllocationID = "alloc-1"
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeRequests{}, notifier, queue.NewInMemory(16))

	_, err := svc.AssignStudents(context.Background(), "drive-1", []string{"stu-1"})
	require.NoError(t, err)
	assert.Contains(t, notifier.user, "stu-1: Interview Scheduled")
}

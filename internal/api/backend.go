package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/observer/carechat/internal/auth"
	"github.com/observer/carechat/internal/domain"
)

// Operation names accepted by Backend.Fail and Backend.Calls
const (
	OpListRooms   = "list-rooms"
	OpMessages    = "messages"
	OpCreateRoom  = "create-room"
	OpGetRoom     = "get-room"
	OpUnreadCount = "unread-count"
	OpMarkRead    = "mark-read"
)

// Backend is an in-memory implementation of the chat REST API. The
// development relay serves it next to /ws, and tests use it as the REST
// collaborator.
type Backend struct {
	mu        sync.Mutex
	rooms     map[string]*domain.ChatRoom
	byBooking map[string]string
	bookings  map[string][]domain.Participant
	messages  map[string][]domain.Message // chronological
	unread    map[string]map[string]int   // userID -> roomID -> count
	failures  map[string]int              // op -> status to answer with
	calls     map[string]int
	now       func() time.Time
	logger    *slog.Logger
}

// NewBackend creates an empty backend
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		rooms:     make(map[string]*domain.ChatRoom),
		byBooking: make(map[string]string),
		bookings:  make(map[string][]domain.Participant),
		messages:  make(map[string][]domain.Message),
		unread:    make(map[string]map[string]int),
		failures:  make(map[string]int),
		calls:     make(map[string]int),
		now:       time.Now,
		logger:    logger.With("component", "rest-backend"),
	}
}

// AddBooking registers a booking whose room may be created later
func (b *Backend) AddBooking(bookingID string, participants ...domain.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookings[bookingID] = participants
}

// AddRoom stores room as already created
func (b *Backend) AddRoom(room domain.ChatRoom) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room.Status == "" {
		room.Status = domain.RoomStatusActive
	}
	b.rooms[room.ID] = &room
	if room.BookingID != "" {
		b.byBooking[room.BookingID] = room.ID
		b.bookings[room.BookingID] = room.Participants
	}
}

// Fail makes op answer with status until Fail(op, 0) is called
func (b *Backend) Fail(op string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, op)
		return
	}
	b.failures[op] = status
}

// Calls returns how many requests op received
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) unreadFor(userID string) map[string]int {
	m, ok := b.unread[userID]
	if !ok {
		m = make(map[string]int)
		b.unread[userID] = m
	}
	return m
}

// SaveMessage appends msg to its room's history and counts it as unread
// for every other participant
func (b *Backend) SaveMessage(ctx context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[msg.RoomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if room.IsArchived() {
		return domain.ErrRoomArchived
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusSent
	}

	list := b.messages[msg.RoomID]
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(msg.CreatedAt) })
	list = append(list, domain.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	b.messages[msg.RoomID] = list

	at := msg.CreatedAt
	room.LastMessage = msg.Content
	room.LastMessageAt = &at
	for _, p := range room.Participants {
		if p.UserID != msg.SenderID {
			b.unreadFor(p.UserID)[room.ID]++
		}
	}
	return nil
}

// MarkRead clears userID's unread count for the room and marks the other
// participants' messages as read
func (b *Backend) MarkRead(ctx context.Context, roomID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.rooms[roomID]; !ok {
		return domain.ErrRoomNotFound
	}
	b.unreadFor(userID)[roomID] = 0
	list := b.messages[roomID]
	for i := range list {
		if list[i].SenderID != userID {
			list[i].Status, _ = list[i].Status.Advance(domain.MessageStatusRead)
		}
	}
	return nil
}

// Handler returns the REST routes. Every route needs a bearer token valid
// for tokens.
func (b *Backend) Handler(tokens *auth.TokenService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms", b.ListRooms)
	// GET /rooms/{id}/messages and GET /rooms/booking/{bookingId} overlap
	mux.HandleFunc("GET /rooms/{id}/{resource}", b.getRoomResource)
	mux.HandleFunc("PUT /rooms/{id}/mark-as-read", b.MarkAsRead)
	mux.HandleFunc("POST /rooms/booking/{bookingId}", b.GetOrCreateRoom)
	mux.HandleFunc("GET /unread-count", b.UnreadCount)
	return auth.OptionalMiddleware(tokens)(mux)
}

func (b *Backend) getRoomResource(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.PathValue("id") == "booking":
		r.SetPathValue("bookingId", r.PathValue("resource"))
		b.GetRoom(w, r)
	case r.PathValue("resource") == "messages":
		b.GetMessages(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// begin counts the call and reports whether the handler should go on
func (b *Backend) begin(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	b.mu.Lock()
	b.calls[op]++
	status := b.failures[op]
	b.mu.Unlock()

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if status != 0 {
		writeError(w, status, http.StatusText(status))
		return "", false
	}
	return claims.Identity(), true
}

// ListRooms handles GET /rooms
func (b *Backend) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpListRooms)
	if !ok {
		return
	}

	b.mu.Lock()
	rooms := make([]domain.ChatRoom, 0)
	for _, room := range b.rooms {
		if _, member := room.Participant(userID); !member {
			continue
		}
		rr := *room
		rr.UnreadCount = b.unread[userID][room.ID]
		rooms = append(rooms, rr)
	}
	b.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	writeJSON(w, http.StatusOK, rooms)
}

// GetMessages handles GET /rooms/{id}/messages?page=0&size=50 (page 0 is newest)
func (b *Backend) GetMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.begin(w, r, OpMessages); !ok {
		return
	}
	roomID := r.PathValue("id")

	page := 0
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p >= 0 {
		page = p
	}
	size := 50
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s > 0 && s <= 100 {
		size = s
	}

	b.mu.Lock()
	if _, exists := b.rooms[roomID]; !exists {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	all := b.messages[roomID]
	content := make([]domain.Message, 0, size)
	// newest first
	for i := len(all) - 1 - page*size; i >= 0 && len(content) < size; i-- {
		content = append(content, all[i])
	}
	last := (page+1)*size >= len(all)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, MessagePage{Content: content, Last: last, Number: page})
}

// GetOrCreateRoom handles POST /rooms/booking/{bookingId}
func (b *Backend) GetOrCreateRoom(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.begin(w, r, OpCreateRoom); !ok {
		return
	}
	bookingID := r.PathValue("bookingId")

	b.mu.Lock()
	if id, exists := b.byBooking[bookingID]; exists {
		room := *b.rooms[id]
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, room)
		return
	}
	participants, known := b.bookings[bookingID]
	if !known {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "booking not found")
		return
	}
	room := &domain.ChatRoom{
		ID:           uuid.NewString(),
		BookingID:    bookingID,
		Participants: participants,
		Status:       domain.RoomStatusActive,
	}
	b.rooms[room.ID] = room
	b.byBooking[bookingID] = room.ID
	created := *room
	b.mu.Unlock()

	b.logger.Info("room created", "room_id", created.ID, "booking_id", bookingID)
	writeJSON(w, http.StatusCreated, created)
}

// GetRoom handles GET /rooms/booking/{bookingId}
func (b *Backend) GetRoom(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.begin(w, r, OpGetRoom); !ok {
		return
	}

	b.mu.Lock()
	id, exists := b.byBooking[r.PathValue("bookingId")]
	var room domain.ChatRoom
	if exists {
		room = *b.rooms[id]
	}
	b.mu.Unlock()

	if !exists {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// UnreadCount handles GET /unread-count
func (b *Backend) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpUnreadCount)
	if !ok {
		return
	}

	b.mu.Lock()
	total := 0
	for _, n := range b.unread[userID] {
		total += n
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"count": total})
}

// MarkAsRead handles PUT /rooms/{id}/mark-as-read
func (b *Backend) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.begin(w, r, OpMarkRead)
	if !ok {
		return
	}

	if err := b.MarkRead(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

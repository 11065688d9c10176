package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrNotFound signals that the room does not exist.
var ErrNotFound = errors.New("room not found")

// Room is the membership record the engine consults and appends to. Room
// lifecycle (creation, invitations) is handled elsewhere; the engine only
// ever reads rooms and maintains their document list.
type Room struct {
	ID        string   `bson:"_id" json:"_id"`
	Owner     string   `bson:"owner" json:"owner"`
	Members   []string `bson:"members" json:"members"`
	Documents []string `bson:"documents" json:"documents"`
}

// IsOwnerOrMember reports whether userID may work inside the room.
func (r *Room) IsOwnerOrMember(userID string) bool {
	if r.Owner == userID {
		return true
	}
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Store provides room persistence. Mutations are called inside engine
// transactions, so they must honor a session-bearing ctx.
type Store interface {
	Get(ctx context.Context, roomID string) (*Room, error)
	AppendDocumentID(ctx context.Context, roomID, documentID string) error
	RemoveDocumentID(ctx context.Context, roomID, documentID string) error
}

const roomsCollection = "rooms"

// MongoStore implements Store on a Mongo collection.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection(roomsCollection)}
}

func (s *MongoStore) Get(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	if err := s.col.FindOne(ctx, bson.M{"_id": roomID}).Decode(&room); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find room: %w", err)
	}
	return &room, nil
}

func (s *MongoStore) AppendDocumentID(ctx context.Context, roomID, documentID string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": roomID}, bson.M{"$addToSet": bson.M{"documents": documentID}})
	if err != nil {
		return fmt.Errorf("append document to room: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RemoveDocumentID(ctx context.Context, roomID, documentID string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": roomID}, bson.M{"$pull": bson.M{"documents": documentID}})
	if err != nil {
		return fmt.Errorf("remove document from room: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryStore implements Store in process memory for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: map[string]*Room{}}
}

// Put inserts or replaces a room (test setup helper).
func (s *MemoryStore) Put(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *room
	cp.Members = append([]string(nil), room.Members...)
	cp.Documents = append([]string(nil), room.Documents...)
	s.rooms[room.ID] = &cp
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *room
	cp.Members = append([]string(nil), room.Members...)
	cp.Documents = append([]string(nil), room.Documents...)
	return &cp, nil
}

func (s *MemoryStore) AppendDocumentID(_ context.Context, roomID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range room.Documents {
		if id == documentID {
			return nil
		}
	}
	room.Documents = append(room.Documents, documentID)
	return nil
}

func (s *MemoryStore) RemoveDocumentID(_ context.Context, roomID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	out := room.Documents[:0]
	for _, id := range room.Documents {
		if id != documentID {
			out = append(out, id)
		}
	}
	room.Documents = out
	return nil
}

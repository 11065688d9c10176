package policy

import (
	"errors"
	"fmt"

	"github.com/docuroom/docuroom/internal/docs"
	"github.com/docuroom/docuroom/internal/rooms"
)

// ErrDenied is wrapped by every rejection this package produces. The engine
// maps it onto its Forbidden error.
var ErrDenied = errors.New("revision denied by policy")

// Default is the stock docs.RevisionPolicy:
//   - room documents may only be written by the room owner or a member,
//     and drafts only by the owner;
//   - protected public documents may only be updated by someone who already
//     contributed to them (enforced by the caller passing prevRev) or who is
//     promoting them, i.e. the previous head's creator.
type Default struct{}

func (Default) CheckRevisionOnCreate(newRev *docs.DocumentRevision, room *rooms.Room, user docs.User) error {
	return checkRoomAccess(newRev, room, user)
}

func (Default) CheckRevisionOnUpdate(prevRev, newRev *docs.DocumentRevision, room *rooms.Room, user docs.User) error {
	if err := checkRoomAccess(newRev, room, user); err != nil {
		return err
	}
	if prevRev != nil && prevRev.PublicContext != nil && prevRev.PublicContext.Protected {
		if prevRev.CreatedBy != user.ID {
			return fmt.Errorf("%w: document is protected", ErrDenied)
		}
	}
	return nil
}

func checkRoomAccess(rev *docs.DocumentRevision, room *rooms.Room, user docs.User) error {
	if rev.RoomID == "" {
		return nil
	}
	if room == nil || room.ID != rev.RoomID {
		return fmt.Errorf("%w: room %s not resolved", ErrDenied, rev.RoomID)
	}
	if !room.IsOwnerOrMember(user.ID) {
		return fmt.Errorf("%w: user %s is not in room %s", ErrDenied, user.ID, room.ID)
	}
	if rev.RoomContext != nil && rev.RoomContext.Draft && room.Owner != user.ID {
		return fmt.Errorf("%w: only the room owner may write drafts", ErrDenied)
	}
	return nil
}

// AllowAll accepts everything. Used in tests and single-user deployments.
type AllowAll struct{}

func (AllowAll) CheckRevisionOnCreate(*docs.DocumentRevision, *rooms.Room, docs.User) error {
	return nil
}

func (AllowAll) CheckRevisionOnUpdate(*docs.DocumentRevision, *docs.DocumentRevision, *rooms.Room, docs.User) error {
	return nil
}

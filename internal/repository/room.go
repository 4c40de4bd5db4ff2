package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosmicchat/internal/logger"
	"github.com/cosmicchat/internal/model"
)

const roomCols = `r.id, r.name, COALESCE(r.description,''), r.created_at,
	(SELECT COUNT(*) FROM room_members rm WHERE rm.room_id = r.id)`

// RoomRepository is the room directory: metadata plus an explicit membership
// relation. member_count is always derived from room_members, so join/leave
// stay exact and idempotent.
type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func (r *RoomRepository) Create(ctx context.Context, room *model.Room) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, room.Description, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	return nil
}

func (r *RoomRepository) Get(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.Get", time.Now())()
	room := &model.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms r WHERE r.id = $1`, id,
	).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt, &room.MemberCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.Get: %w", err)
	}
	return room, nil
}

func (r *RoomRepository) List(ctx context.Context) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomCols+` FROM rooms r ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.List query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		var room model.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt, &room.MemberCount); err != nil {
			return nil, fmt.Errorf("roomRepo.List scan: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.List rows: %w", err)
	}
	return rooms, nil
}

// AddMember is idempotent: joining twice is a no-op and never inflates the
// member count.
func (r *RoomRepository) AddMember(ctx context.Context, roomID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		roomID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	return nil
}

// RemoveMember is idempotent: leaving a room you are not in is a no-op.
func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

// RoomIDsOf returns the rooms a user belongs to; used for presence fan-out
// to shared-room members.
func (r *RoomRepository) RoomIDsOf(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("room.RoomIDsOf", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.RoomIDsOf query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.RoomIDsOf scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.RoomIDsOf rows: %w", err)
	}
	return ids, nil
}

package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// ErrFrameNotFound is returned by FrameByID for an unknown id.
var ErrFrameNotFound = errors.New("frame not found")

// RecordFrame stores frame and its detections in one transaction, stamped
// with the current wall-clock time for retention.
func (db *DB) RecordFrame(frame *fusion.FusedFrame) error {
	return db.recordFrameAt(frame, time.Now())
}

// recordFrameAt is RecordFrame with an explicit recording time. Frame
// timestamps come from the camera clock and are not used for retention.
func (db *DB) recordFrameAt(frame *fusion.FusedFrame, recordedAt time.Time) error {
	if frame == nil {
		return errors.New("nil frame")
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin frame insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO fusion_frames (frame_id, timestamp_ms, group_count, detection_count, recorded_at_ms)
			VALUES (?, ?, ?, ?, ?)`,
		frame.ID, frame.TimestampMs, len(frame.Groups), frame.DetectionCount(), recordedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert frame %s: %w", frame.ID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO fusion_detections
		(frame_id, group_index, label, x, y, z, camera_friendly_id, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare detection insert: %w", err)
	}
	defer stmt.Close()

	for gi, group := range frame.Groups {
		for _, d := range group {
			if _, err := stmt.Exec(frame.ID, gi, d.Label,
				d.WorldPosition[0], d.WorldPosition[1], d.WorldPosition[2],
				d.CameraFriendlyID, d.Confidence); err != nil {
				return fmt.Errorf("insert detection for frame %s: %w", frame.ID, err)
			}
		}
	}
	return tx.Commit()
}

// FrameSummary is one row of fusion_frames.
type FrameSummary struct {
	ID             string `json:"id"`
	TimestampMs    int64  `json:"timestamp_ms"`
	GroupCount     int    `json:"group_count"`
	DetectionCount int    `json:"detection_count"`
}

// RecentFrames returns up to limit frame summaries, newest first.
func (db *DB) RecentFrames(limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT frame_id, timestamp_ms, group_count, detection_count
		FROM fusion_frames ORDER BY timestamp_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []FrameSummary
	for rows.Next() {
		var f FrameSummary
		if err := rows.Scan(&f.ID, &f.TimestampMs, &f.GroupCount, &f.DetectionCount); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// FrameByID rebuilds a recorded frame with its groups in original order.
func (db *DB) FrameByID(id string) (*fusion.FusedFrame, error) {
	frame := &fusion.FusedFrame{ID: id}
	var groupCount int
	err := db.QueryRow(`SELECT timestamp_ms, group_count FROM fusion_frames WHERE frame_id = ?`, id).
		Scan(&frame.TimestampMs, &groupCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFrameNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT group_index, label, x, y, z, camera_friendly_id, confidence
		FROM fusion_detections WHERE frame_id = ? ORDER BY group_index, rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frame.Groups = make([][]fusion.FusedDetection, groupCount)
	for rows.Next() {
		var gi int
		var d fusion.FusedDetection
		if err := rows.Scan(&gi, &d.Label, &d.WorldPosition[0], &d.WorldPosition[1], &d.WorldPosition[2],
			&d.CameraFriendlyID, &d.Confidence); err != nil {
			return nil, err
		}
		if gi < 0 || gi >= groupCount {
			return nil, fmt.Errorf("frame %s: detection group %d out of range", id, gi)
		}
		frame.Groups[gi] = append(frame.Groups[gi], d)
	}
	return frame, rows.Err()
}

// LabelCount is the number of recorded detections for one label.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LabelCounts returns recorded detection counts per label, optionally
// restricted to frames in [sinceMs, untilMs). Zero bounds are open.
func (db *DB) LabelCounts(sinceMs, untilMs int64) ([]LabelCount, error) {
	var where []string
	var args []any
	if sinceMs > 0 {
		where = append(where, "f.timestamp_ms >= ?")
		args = append(args, sinceMs)
	}
	if untilMs > 0 {
		where = append(where, "f.timestamp_ms < ?")
		args = append(args, untilMs)
	}
	q := `SELECT d.label, COUNT(*) FROM fusion_detections d
		JOIN fusion_frames f ON f.frame_id = d.frame_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " GROUP BY d.label ORDER BY d.label"

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PruneBefore deletes frames recorded before cutoff, with their
// detections, and returns how many frames went. It compares against the
// wall-clock recording time, never the camera timestamp.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fusion_detections WHERE frame_id IN
		(SELECT frame_id FROM fusion_frames WHERE recorded_at_ms < ?)`, cutoffMs); err != nil {
		return 0, fmt.Errorf("prune detections: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM fusion_frames WHERE recorded_at_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune frames: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

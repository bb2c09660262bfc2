package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// eventRow is the GORM model backing the audit_events table. Secondary
// indexes on event_type, correlation_id, and timestamp keep lookups
// sub-linear in total events.
type eventRow struct {
	ID            string    `gorm:"primaryKey"`
	EventType     string    `gorm:"index:idx_event_type"`
	CorrelationID string    `gorm:"index:idx_correlation_id"`
	Timestamp     time.Time `gorm:"index:idx_timestamp"`
	Data          string
	Metadata      string
	CreatedAt     time.Time
}

func (eventRow) TableName() string { return "audit_events" }

// Store is a gorm-backed implementation of Log: a single indexed,
// append-only table with no update or delete surface.
type Store struct {
	db *gorm.DB
}

// Driver selects the SQL dialect backing the store.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens (and migrates) the audit store using the given driver and DSN.
func Open(driver Driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append assigns an id and UTC timestamp, persists the event inside a
// transaction, and returns the completed event. It never commits a partial
// write: on failure ErrPersistenceFailed wraps the driver error.
func (s *Store) Append(ctx context.Context, create EventCreate) (Event, error) {
	if create.EventType == "" {
		return Event{}, fmt.Errorf("audit: event_type required")
	}
	correlationID := create.CorrelationID
	if correlationID == "" {
		correlationID = NoCorrelationID
	}
	dataJSON, err := marshalOrEmpty(create.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: marshal data: %v", ErrPersistenceFailed, err)
	}
	metaJSON, err := marshalOrEmpty(create.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("%w: marshal metadata: %v", ErrPersistenceFailed, err)
	}

	event := Event{
		ID:            uuid.NewString(),
		EventType:     create.EventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          create.Data,
		Metadata:      create.Metadata,
	}
	row := eventRow{
		ID:            event.ID,
		EventType:     string(event.EventType),
		CorrelationID: event.CorrelationID,
		Timestamp:     event.Timestamp,
		Data:          dataJSON,
		Metadata:      metaJSON,
		CreatedAt:     event.Timestamp,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return event, nil
}

// Get retrieves a specific event by id, returning nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	event, err := rowToEvent(row)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Query returns events matching the filter, ordered by timestamp descending.
// Default limit 100, hard cap 1000.
func (s *Store) Query(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	tx := s.db.WithContext(ctx).Model(&eventRow{})
	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			types[i] = string(t)
		}
		tx = tx.Where("event_type IN ?", types)
	}
	if q.CorrelationID != "" {
		tx = tx.Where("correlation_id = ?", q.CorrelationID)
	}
	if q.Start != nil {
		tx = tx.Where("timestamp >= ?", *q.Start)
	}
	if q.End != nil {
		tx = tx.Where("timestamp <= ?", *q.End)
	}

	var rows []eventRow
	err := tx.Order("timestamp DESC").Limit(limit).Offset(q.Offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := rowToEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Stats issues four aggregate queries: total count, per-type counts, time
// range, and distinct correlation id count.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&total).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	var typeRows []struct {
		EventType string
		Count     int64
	}
	if err := s.db.WithContext(ctx).Model(&eventRow{}).
		Select("event_type, COUNT(*) as count").
		Group("event_type").Scan(&typeRows).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	perType := make(map[EventType]int64, len(typeRows))
	for _, r := range typeRows {
		perType[EventType(r.EventType)] = r.Count
	}

	var timeRangeRaw struct {
		Earliest *string
		Latest   *string
	}
	if err := s.db.WithContext(ctx).Model(&eventRow{}).
		Select("MIN(timestamp) as earliest, MAX(timestamp) as latest").
		Scan(&timeRangeRaw).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	earliest, err := parseNullableTimestamp(timeRangeRaw.Earliest)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	latest, err := parseNullableTimestamp(timeRangeRaw.Latest)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	var corrCount int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).
		Distinct("correlation_id").Count(&corrCount).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	return Stats{
		TotalEvents:          total,
		PerTypeCounts:        perType,
		Earliest:             earliest,
		Latest:               latest,
		UniqueCorrelationIDs: corrCount,
	}, nil
}

// parseNullableTimestamp parses a timestamp column value returned by an
// aggregate query (MIN/MAX), which loses the driver's declared-type
// conversion and comes back as a raw RFC3339Nano string.
func parseNullableTimestamp(raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, *raw)
		if err == nil {
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func rowToEvent(row eventRow) (Event, error) {
	data, err := unmarshalOrEmpty(row.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: unmarshal data: %v", ErrPersistenceFailed, err)
	}
	meta, err := unmarshalOrEmpty(row.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("%w: unmarshal metadata: %v", ErrPersistenceFailed, err)
	}
	return Event{
		ID:            row.ID,
		EventType:     EventType(row.EventType),
		CorrelationID: row.CorrelationID,
		Timestamp:     row.Timestamp,
		Data:          data,
		Metadata:      meta,
	}, nil
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalOrEmpty(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

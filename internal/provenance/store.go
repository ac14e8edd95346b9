// Package provenance keeps the append-only audit trail of research
// augmentations in MongoDB. Writes are best-effort: a missing or failing
// database never propagates into the augmentation path.
package provenance

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/metrics"
)

const (
	defaultCollection    = "research_provenance"
	defaultRetentionDays = 90
	defaultHistoryLimit  = 20

	retentionSweepInterval = 24 * time.Hour
)

type Config struct {
	Database      string
	Collection    string
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	return c
}

type recordDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	TaskID        string             `bson:"taskId"`
	Queries       []string           `bson:"queries"`
	FindingsCount int                `bson:"findingsCount"`
	Confidence    float64            `bson:"confidence"`
	PerformedAt   time.Time          `bson:"performedAt"`
	DurationMS    int64              `bson:"durationMs,omitempty"`
	Successful    bool               `bson:"successful"`
	Error         string             `bson:"error,omitempty"`
}

type Store struct {
	collection    *mongo.Collection
	retentionDays int
	logger        *slog.Logger
}

func NewStore(client *mongo.Client, cfg Config, logger *slog.Logger) *Store {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		collection:    client.Database(cfg.Database).Collection(cfg.Collection),
		retentionDays: cfg.RetentionDays,
		logger:        logger,
	}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

// Available reports whether the store has a backing collection. A nil store
// is a valid no-op writer.
func (s *Store) Available() bool {
	return s != nil && s.collection != nil
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "performedAt", Value: -1}}},
		{Keys: bson.D{{Key: "performedAt", Value: -1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Record appends one provenance record. Failures are logged and counted,
// never returned.
func (s *Store) Record(ctx context.Context, record domain.ProvenanceRecord) {
	if !s.Available() {
		return
	}
	doc := recordDoc{
		ID:            primitive.NewObjectID(),
		TaskID:        record.TaskID,
		Queries:       record.Queries,
		FindingsCount: record.FindingsCount,
		Confidence:    record.Confidence,
		PerformedAt:   record.PerformedAt.UTC(),
		DurationMS:    record.DurationMS,
		Successful:    record.Successful,
		Error:         record.Error,
	}
	if doc.PerformedAt.IsZero() {
		doc.PerformedAt = time.Now().UTC()
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		metrics.ProvenanceWritesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("provenance write failed",
			slog.String("taskId", record.TaskID),
			slog.String("error", err.Error()))
		return
	}
	metrics.ProvenanceWritesTotal.WithLabelValues("ok").Inc()
}

// TaskResearch returns the research history of one task, most recent first.
func (s *Store) TaskResearch(ctx context.Context, taskID string, limit int) ([]domain.ProvenanceRecord, error) {
	if !s.Available() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "performedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"taskId": taskID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []recordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]domain.ProvenanceRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, toRecord(doc))
	}
	return records, nil
}

type statsDoc struct {
	Total         int64   `bson:"total"`
	Successful    int64   `bson:"successful"`
	AvgConfidence float64 `bson:"avgConfidence"`
	AvgDurationMS float64 `bson:"avgDurationMs"`
}

// Statistics aggregates record counts and averages inside the optional
// date range.
func (s *Store) Statistics(ctx context.Context, from, to *time.Time) (domain.ResearchStatistics, error) {
	stats := domain.ResearchStatistics{From: from, To: to}
	if !s.Available() {
		return stats, nil
	}

	match := bson.M{}
	if from != nil || to != nil {
		window := bson.M{}
		if from != nil {
			window["$gte"] = from.UTC()
		}
		if to != nil {
			window["$lte"] = to.UTC()
		}
		match["performedAt"] = window
	}

	pipeline := []bson.M{
		{"$match": match},
		{"$group": bson.M{
			"_id":           nil,
			"total":         bson.M{"$sum": 1},
			"successful":    bson.M{"$sum": bson.M{"$cond": bson.A{"$successful", 1, 0}}},
			"avgConfidence": bson.M{"$avg": "$confidence"},
			"avgDurationMs": bson.M{"$avg": "$durationMs"},
		}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return stats, err
	}
	defer cursor.Close(ctx)

	var rows []statsDoc
	if err := cursor.All(ctx, &rows); err != nil {
		return stats, err
	}
	if len(rows) == 0 {
		return stats, nil
	}

	row := rows[0]
	stats.TotalRecords = row.Total
	stats.Successful = row.Successful
	stats.Failed = row.Total - row.Successful
	stats.AvgConfidence = row.AvgConfidence
	stats.AvgDurationMS = row.AvgDurationMS
	return stats, nil
}

// CleanupOldRecords deletes records older than the given number of days
// (the configured retention when zero) and reports how many were removed.
func (s *Store) CleanupOldRecords(ctx context.Context, olderThanDays int) (int64, error) {
	if !s.Available() {
		return 0, nil
	}
	if olderThanDays <= 0 {
		olderThanDays = s.retentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	result, err := s.collection.DeleteMany(ctx, bson.M{"performedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// StartRetention runs the cleanup on a daily tick until ctx is done.
func (s *Store) StartRetention(ctx context.Context) {
	if !s.Available() {
		return
	}
	go func() {
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.CleanupOldRecords(ctx, 0)
				if err != nil {
					s.logger.Warn("provenance retention sweep failed", slog.String("error", err.Error()))
					continue
				}
				if removed > 0 {
					s.logger.Info("provenance retention sweep", slog.Int64("removed", removed))
				}
			}
		}
	}()
}

func toRecord(doc recordDoc) domain.ProvenanceRecord {
	return domain.ProvenanceRecord{
		ID:            doc.ID.Hex(),
		TaskID:        doc.TaskID,
		Queries:       doc.Queries,
		FindingsCount: doc.FindingsCount,
		Confidence:    doc.Confidence,
		PerformedAt:   doc.PerformedAt.UTC(),
		DurationMS:    doc.DurationMS,
		Successful:    doc.Successful,
		Error:         doc.Error,
	}
}

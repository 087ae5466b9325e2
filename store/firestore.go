package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"recipecheck/deduplication"
	"recipecheck/types"
)

const (
	defaultOrdersCollection   = "orders"
	defaultCountersCollection = "counters"
)

// orderDocument is the Firestore shape of a stored order. The document ID is
// the canonical key hash, so a second create for the same key fails.
type orderDocument struct {
	ID                    int64     `firestore:"id"`
	StdTriangleCode1      string    `firestore:"std_triangle_code_1"`
	StdTriangleCode2      string    `firestore:"std_triangle_code_2"`
	RecipeTriangleCode1   string    `firestore:"recipe_triangle_code_1"`
	RecipeTriangleCode2   string    `firestore:"recipe_triangle_code_2"`
	RecipeTypeCode        string    `firestore:"recipe_type_code"`
	FastnessType          string    `firestore:"fastness_type"`
	ArticleDyeCheckResult string    `firestore:"article_dye_check_result"`
	CheckDyeTriangle      string    `firestore:"check_dye_triangle"`
	NoOfStages            int64     `firestore:"no_of_stages"`
	MaxRecipeAgeInDays    int64     `firestore:"max_recipe_age_in_days"`
	LastUpdateDate        string    `firestore:"last_update_date"`
	StandardSavedDate     string    `firestore:"standard_saved_date"`
	MinNoOfLots           int64     `firestore:"min_no_of_lots"`
	MaxDeltaE             float64   `firestore:"max_delta_e"`
	MaxDeltaL             float64   `firestore:"max_delta_l"`
	MaxDeltaC             float64   `firestore:"max_delta_c"`
	MaxDeltaH             float64   `firestore:"max_delta_h"`
	NoOfMatchingLots      int64     `firestore:"no_of_matching_lots"`
	DEOfAverage           float64   `firestore:"de_of_average"`
	DLOfAverage           float64   `firestore:"dl_of_average"`
	DCOfAverage           float64   `firestore:"dc_of_average"`
	DHOfAverage           float64   `firestore:"dh_of_average"`
	ReportAnalysis        string    `firestore:"report_analysis"`
	CreatedAt             time.Time `firestore:"created_at"`
}

func newOrderDocument(id int64, o types.Order, report string, now time.Time) orderDocument {
	return orderDocument{
		ID:                    id,
		StdTriangleCode1:      o.StdTriangleCode1,
		StdTriangleCode2:      o.StdTriangleCode2,
		RecipeTriangleCode1:   o.RecipeTriangleCode1,
		RecipeTriangleCode2:   o.RecipeTriangleCode2,
		RecipeTypeCode:        o.RecipeTypeCode,
		FastnessType:          o.FastnessType,
		ArticleDyeCheckResult: o.ArticleDyeCheckResult,
		CheckDyeTriangle:      o.CheckDyeTriangle,
		NoOfStages:            o.NoOfStages,
		MaxRecipeAgeInDays:    o.MaxRecipeAgeInDays,
		LastUpdateDate:        o.LastUpdateDate.String(),
		StandardSavedDate:     o.StandardSavedDate.String(),
		MinNoOfLots:           o.MinNoOfLots,
		MaxDeltaE:             o.MaxDeltaE,
		MaxDeltaL:             o.MaxDeltaL,
		MaxDeltaC:             o.MaxDeltaC,
		MaxDeltaH:             o.MaxDeltaH,
		NoOfMatchingLots:      o.NoOfMatchingLots,
		DEOfAverage:           o.DEOfAverage,
		DLOfAverage:           o.DLOfAverage,
		DCOfAverage:           o.DCOfAverage,
		DHOfAverage:           o.DHOfAverage,
		ReportAnalysis:        report,
		CreatedAt:             now.UTC(),
	}
}

func (d orderDocument) toStored() (types.StoredOrder, error) {
	lastUpdate, err := types.ParseDate(d.LastUpdateDate)
	if err != nil {
		return types.StoredOrder{}, fmt.Errorf("order %d last_update_date: %w", d.ID, err)
	}
	saved, err := types.ParseDate(d.StandardSavedDate)
	if err != nil {
		return types.StoredOrder{}, fmt.Errorf("order %d standard_saved_date: %w", d.ID, err)
	}
	return types.StoredOrder{
		Order: types.Order{
			StdTriangleCode1:      d.StdTriangleCode1,
			StdTriangleCode2:      d.StdTriangleCode2,
			RecipeTriangleCode1:   d.RecipeTriangleCode1,
			RecipeTriangleCode2:   d.RecipeTriangleCode2,
			RecipeTypeCode:        d.RecipeTypeCode,
			FastnessType:          d.FastnessType,
			ArticleDyeCheckResult: d.ArticleDyeCheckResult,
			CheckDyeTriangle:      d.CheckDyeTriangle,
			NoOfStages:            d.NoOfStages,
			MaxRecipeAgeInDays:    d.MaxRecipeAgeInDays,
			LastUpdateDate:        lastUpdate,
			StandardSavedDate:     saved,
			MinNoOfLots:           d.MinNoOfLots,
			MaxDeltaE:             d.MaxDeltaE,
			MaxDeltaL:             d.MaxDeltaL,
			MaxDeltaC:             d.MaxDeltaC,
			MaxDeltaH:             d.MaxDeltaH,
			NoOfMatchingLots:      d.NoOfMatchingLots,
			DEOfAverage:           d.DEOfAverage,
			DLOfAverage:           d.DLOfAverage,
			DCOfAverage:           d.DCOfAverage,
			DHOfAverage:           d.DHOfAverage,
		},
		ID:             d.ID,
		ReportAnalysis: d.ReportAnalysis,
		CreatedAt:      d.CreatedAt,
	}, nil
}

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	ProjectID  string
	Collection string // defaults to "orders"
	// CounterCollection holds the document that hands out sequential IDs.
	CounterCollection string
}

// FirestoreStore keeps orders in a Firestore collection. IDs come from a
// counter document updated in the same transaction as the order create.
type FirestoreStore struct {
	client   *firestore.Client
	orders   string
	counters string
	now      func() time.Time
}

func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, unavailable("create firestore client", err)
	}
	return newFirestoreStore(client, cfg), nil
}

func newFirestoreStore(client *firestore.Client, cfg FirestoreConfig) *FirestoreStore {
	if cfg.Collection == "" {
		cfg.Collection = defaultOrdersCollection
	}
	if cfg.CounterCollection == "" {
		cfg.CounterCollection = defaultCountersCollection
	}
	return &FirestoreStore{
		client:   client,
		orders:   cfg.Collection,
		counters: cfg.CounterCollection,
		now:      time.Now,
	}
}

func (s *FirestoreStore) counterRef() *firestore.DocumentRef {
	return s.client.Collection(s.counters).Doc(s.orders)
}

func (s *FirestoreStore) FindByKey(ctx context.Context, key deduplication.CanonicalKey) (types.StoredOrder, bool, error) {
	snap, err := s.client.Collection(s.orders).Doc(key.Hash()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return types.StoredOrder{}, false, nil
	}
	if err != nil {
		return types.StoredOrder{}, false, unavailable("find order", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return types.StoredOrder{}, false, unavailable("decode order", err)
	}
	stored, err := doc.toStored()
	if err != nil {
		return types.StoredOrder{}, false, unavailable("decode order", err)
	}
	return stored, true, nil
}

func (s *FirestoreStore) Insert(ctx context.Context, order types.Order, key deduplication.CanonicalKey, report string) (int64, error) {
	orderRef := s.client.Collection(s.orders).Doc(key.Hash())
	counterRef := s.counterRef()

	var (
		id        int64
		duplicate bool
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		duplicate = false
		if _, err := tx.Get(orderRef); err == nil {
			duplicate = true
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		var last int64
		snap, err := tx.Get(counterRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			v, err := snap.DataAt("last")
			if err != nil {
				return err
			}
			n, ok := v.(int64)
			if !ok {
				return fmt.Errorf("counter %s holds %T, want int64", counterRef.Path, v)
			}
			last = n
		}

		id = last + 1
		if err := tx.Set(counterRef, map[string]interface{}{"last": id}); err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(id, order, report, s.now()))
	})
	if duplicate || status.Code(err) == codes.AlreadyExists {
		return 0, ErrDuplicateKey
	}
	if err != nil {
		return 0, unavailable("insert order", err)
	}
	return id, nil
}

func (s *FirestoreStore) GetReport(ctx context.Context, id int64) (string, bool, error) {
	docs, err := s.client.Collection(s.orders).Where("id", "==", id).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", false, unavailable("get report", err)
	}
	if len(docs) == 0 {
		return "", false, nil
	}
	v, err := docs[0].DataAt("report_analysis")
	if err != nil {
		return "", false, unavailable("get report", err)
	}
	report, _ := v.(string)
	return report, true, nil
}

func (s *FirestoreStore) ListIDs(ctx context.Context) ([]int64, error) {
	docs, err := s.client.Collection(s.orders).Select("id").OrderBy("id", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	ids := make([]int64, 0, len(docs))
	for _, d := range docs {
		v, err := d.DataAt("id")
		if err != nil {
			return nil, unavailable("list orders", err)
		}
		if id, ok := v.(int64); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

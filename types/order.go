package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Order is a dyeing-recipe pre-screening submission. Every field takes part
// in deduplication; the generated report does not.
type Order struct {
	StdTriangleCode1      string  `json:"std_triangle_code_1"`
	StdTriangleCode2      string  `json:"std_triangle_code_2"`
	RecipeTriangleCode1   string  `json:"recipe_triangle_code_1"`
	RecipeTriangleCode2   string  `json:"recipe_triangle_code_2"`
	RecipeTypeCode        string  `json:"recipe_type_code"`
	FastnessType          string  `json:"fastness_type"`
	ArticleDyeCheckResult string  `json:"article_dye_check_result"`
	CheckDyeTriangle      string  `json:"check_dye_triangle"`
	NoOfStages            int64   `json:"no_of_stages"`
	MaxRecipeAgeInDays    int64   `json:"max_recipe_age_in_days"`
	LastUpdateDate        Date    `json:"last_update_date"`
	StandardSavedDate     Date    `json:"standard_saved_date"`
	MinNoOfLots           int64   `json:"min_no_of_lots"`
	MaxDeltaE             float64 `json:"max_delta_e"`
	MaxDeltaL             float64 `json:"max_delta_l"`
	MaxDeltaC             float64 `json:"max_delta_c"`
	MaxDeltaH             float64 `json:"max_delta_h"`
	NoOfMatchingLots      int64   `json:"no_of_matching_lots"`
	DEOfAverage           float64 `json:"de_of_average"`
	DLOfAverage           float64 `json:"dl_of_average"`
	DCOfAverage           float64 `json:"dc_of_average"`
	DHOfAverage           float64 `json:"dh_of_average"`
}

// OrderFieldNames lists the order fields in declaration order. Canonical
// keys, retrieval queries and prompts all walk fields in this order.
var OrderFieldNames = []string{
	"std_triangle_code_1",
	"std_triangle_code_2",
	"recipe_triangle_code_1",
	"recipe_triangle_code_2",
	"recipe_type_code",
	"fastness_type",
	"article_dye_check_result",
	"check_dye_triangle",
	"no_of_stages",
	"max_recipe_age_in_days",
	"last_update_date",
	"standard_saved_date",
	"min_no_of_lots",
	"max_delta_e",
	"max_delta_l",
	"max_delta_c",
	"max_delta_h",
	"no_of_matching_lots",
	"de_of_average",
	"dl_of_average",
	"dc_of_average",
	"dh_of_average",
}

// FieldValue is one named order field. Value is a string, int64, float64 or Date.
type FieldValue struct {
	Name  string
	Value any
}

// Fields returns the order's values paired with OrderFieldNames.
func (o Order) Fields() []FieldValue {
	values := []any{
		o.StdTriangleCode1,
		o.StdTriangleCode2,
		o.RecipeTriangleCode1,
		o.RecipeTriangleCode2,
		o.RecipeTypeCode,
		o.FastnessType,
		o.ArticleDyeCheckResult,
		o.CheckDyeTriangle,
		o.NoOfStages,
		o.MaxRecipeAgeInDays,
		o.LastUpdateDate,
		o.StandardSavedDate,
		o.MinNoOfLots,
		o.MaxDeltaE,
		o.MaxDeltaL,
		o.MaxDeltaC,
		o.MaxDeltaH,
		o.NoOfMatchingLots,
		o.DEOfAverage,
		o.DLOfAverage,
		o.DCOfAverage,
		o.DHOfAverage,
	}
	fields := make([]FieldValue, len(values))
	for i, v := range values {
		fields[i] = FieldValue{Name: OrderFieldNames[i], Value: v}
	}
	return fields
}

// ErrInvalidOrder is wrapped by every error returned from Validate.
var ErrInvalidOrder = errors.New("invalid order")

// Validate checks the values a typed order can still get wrong after decoding.
func (o Order) Validate() error {
	var problems []string
	for _, f := range o.Fields() {
		switch v := f.Value.(type) {
		case string:
			// Invalid bytes would collapse to U+FFFD when lowercased.
			if !utf8.ValidString(v) {
				problems = append(problems, f.Name+" must be valid UTF-8")
			}
		case int64:
			if v < 0 {
				problems = append(problems, f.Name+" must not be negative")
			}
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				problems = append(problems, f.Name+" must be a finite number")
			}
		case Date:
			if v.IsZero() {
				problems = append(problems, f.Name+" is required")
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
	}
	return nil
}

// QueryText renders the submitted (not canonicalized) values as text for
// similarity search.
func (o Order) QueryText() string {
	parts := make([]string, 0, len(OrderFieldNames))
	for _, f := range o.Fields() {
		parts = append(parts, f.Name+": "+FormatRaw(f.Value))
	}
	return strings.Join(parts, ", ")
}

// FormatRaw renders a field value as the operator would recognise it.
func FormatRaw(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case Date:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// StoredOrder is an order as persisted: the submitted fields, the assigned
// identifier and the report generated for it. It is never updated.
type StoredOrder struct {
	Order
	ID             int64     `json:"id"`
	ReportAnalysis string    `json:"report_analysis"`
	CreatedAt      time.Time `json:"created_at"`
}

package items

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxFilenameLength = 255

var (
	// ErrInvalidPageRef indicates that a document/page reference is empty or out of range.
	ErrInvalidPageRef = errors.New("items: invalid page reference")
	// ErrInvalidItemID indicates that an item identifier is not positive.
	ErrInvalidItemID = errors.New("items: invalid item id")
	// ErrInvalidReviewStage indicates an unknown review stage name.
	ErrInvalidReviewStage = errors.New("items: invalid review stage")
)

// PageRef identifies one page of one source document. It is also the
// broadcast topic key.
type PageRef struct {
	PDFFilename string `json:"pdf_filename"`
	PageNumber  int    `json:"page_number"`
}

// NewPageRef validates raw input and returns a PageRef.
func NewPageRef(pdfFilename string, pageNumber int) (PageRef, error) {
	trimmed := strings.TrimSpace(pdfFilename)
	if trimmed == "" {
		return PageRef{}, fmt.Errorf("%w: empty filename", ErrInvalidPageRef)
	}
	if len(trimmed) > maxFilenameLength {
		return PageRef{}, fmt.Errorf("%w: filename exceeds %d characters", ErrInvalidPageRef, maxFilenameLength)
	}
	if pageNumber < 1 {
		return PageRef{}, fmt.Errorf("%w: page %d", ErrInvalidPageRef, pageNumber)
	}
	return PageRef{PDFFilename: trimmed, PageNumber: pageNumber}, nil
}

// Key returns the canonical topic key for the page.
func (p PageRef) Key() string {
	return fmt.Sprintf("%s#%d", p.PDFFilename, p.PageNumber)
}

// NewItemID validates an item identifier.
func NewItemID(value int64) (int64, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidItemID, value)
	}
	return value, nil
}

// ReviewStage names one of the two independent review flags.
type ReviewStage string

const (
	StageFirstReview  ReviewStage = "first_review"
	StageSecondReview ReviewStage = "second_review"
)

// ParseReviewStage validates a stage name.
func ParseReviewStage(value string) (ReviewStage, error) {
	switch ReviewStage(strings.ToLower(strings.TrimSpace(value))) {
	case StageFirstReview:
		return StageFirstReview, nil
	case StageSecondReview:
		return StageSecondReview, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReviewStage, value)
	}
}

// ReviewFlag is one independently toggleable review checkbox.
type ReviewFlag struct {
	Checked    bool       `json:"checked"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
}

// ReviewStatus holds both review flags of an item.
type ReviewStatus struct {
	FirstReview  ReviewFlag `json:"first_review"`
	SecondReview ReviewFlag `json:"second_review"`
}

// Flag returns the flag for the given stage.
func (s ReviewStatus) Flag(stage ReviewStage) ReviewFlag {
	if stage == StageSecondReview {
		return s.SecondReview
	}
	return s.FirstReview
}

// WithFlag returns a copy of the status with the stage's flag replaced.
func (s ReviewStatus) WithFlag(stage ReviewStage, flag ReviewFlag) ReviewStatus {
	if stage == StageSecondReview {
		s.SecondReview = flag
	} else {
		s.FirstReview = flag
	}
	return s
}

// SameChecks reports whether both statuses agree on every checked value.
func (s ReviewStatus) SameChecks(other ReviewStatus) bool {
	return s.FirstReview.Checked == other.FirstReview.Checked &&
		s.SecondReview.Checked == other.SecondReview.Checked
}

// ReviewToggle is a caller's intent to set one review flag. Applying it to a
// fresh status leaves the other flag untouched.
type ReviewToggle struct {
	Stage   ReviewStage
	Checked bool
}

// Apply returns status with only the toggle's stage changed.
func (t ReviewToggle) Apply(status ReviewStatus) ReviewStatus {
	flag := status.Flag(t.Stage)
	if flag.Checked == t.Checked {
		return status
	}
	return status.WithFlag(t.Stage, ReviewFlag{Checked: t.Checked})
}

// Item is the persisted invoice row with its CAS version.
type Item struct {
	ItemID              int64      `gorm:"column:item_id;primaryKey;autoIncrement"`
	PDFFilename         string     `gorm:"column:pdf_filename;size:255;not null;index:idx_items_page,priority:1"`
	PageNumber          int        `gorm:"column:page_number;not null;index:idx_items_page,priority:2"`
	RowOrder            int        `gorm:"column:row_order;not null;default:0;index:idx_items_page,priority:3"`
	FieldDataJSON       string     `gorm:"column:field_data_json;type:text;not null"`
	FirstReviewChecked  bool       `gorm:"column:first_review_checked;not null;default:false"`
	FirstReviewedAt     *time.Time `gorm:"column:first_reviewed_at"`
	FirstReviewedBy     string     `gorm:"column:first_reviewed_by;size:190;not null;default:''"`
	SecondReviewChecked bool       `gorm:"column:second_review_checked;not null;default:false"`
	SecondReviewedAt    *time.Time `gorm:"column:second_reviewed_at"`
	SecondReviewedBy    string     `gorm:"column:second_reviewed_by;size:190;not null;default:''"`
	Version             int64      `gorm:"column:version;not null;default:0"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "items"
}

// Page returns the item's topic.
func (i Item) Page() PageRef {
	return PageRef{PDFFilename: i.PDFFilename, PageNumber: i.PageNumber}
}

// ReviewStatus assembles the stored review columns.
func (i Item) ReviewStatus() ReviewStatus {
	return ReviewStatus{
		FirstReview: ReviewFlag{
			Checked:    i.FirstReviewChecked,
			ReviewedAt: i.FirstReviewedAt,
			ReviewedBy: i.FirstReviewedBy,
		},
		SecondReview: ReviewFlag{
			Checked:    i.SecondReviewChecked,
			ReviewedAt: i.SecondReviewedAt,
			ReviewedBy: i.SecondReviewedBy,
		},
	}
}

// FieldData decodes the opaque field mapping.
func (i Item) FieldData() (map[string]any, error) {
	return decodeFieldData(i.FieldDataJSON)
}

// ItemChange is the append-only audit trail of accepted CAS writes.
type ItemChange struct {
	ChangeID         string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	ItemID           int64     `gorm:"column:item_id;not null;index:idx_item_changes_item,priority:1"`
	SessionID        string    `gorm:"column:session_id;size:190;not null"`
	UserID           string    `gorm:"column:user_id;size:190;not null"`
	PreviousVersion  int64     `gorm:"column:prev_version;not null"`
	NewVersion       int64     `gorm:"column:new_version;not null;index:idx_item_changes_item,priority:2"`
	FieldDataJSON    string    `gorm:"column:field_data_json;type:text;not null"`
	ReviewStatusJSON string    `gorm:"column:review_status_json;type:text;not null"`
	AppliedAt        time.Time `gorm:"column:applied_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ItemChange) TableName() string {
	return "item_changes"
}

func encodeFieldData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeFieldData(raw string) (map[string]any, error) {
	data := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// sameFieldData compares two encoded mappings structurally; encoding/json
// sorts map keys so re-encoding yields a canonical form.
func sameFieldData(left, right string) bool {
	leftData, err := decodeFieldData(left)
	if err != nil {
		return false
	}
	rightData, err := decodeFieldData(right)
	if err != nil {
		return false
	}
	leftCanonical, _ := json.Marshal(leftData)
	rightCanonical, _ := json.Marshal(rightData)
	return string(leftCanonical) == string(rightCanonical)
}

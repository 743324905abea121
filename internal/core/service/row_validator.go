package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
)

// Rejection reasons written to the error report.
const (
	ReasonNameRequired  = "Name is required"
	ReasonPriceRequired = "Price is required"
	ReasonInvalidPrice  = "Invalid price"
	ReasonInvalidStock  = "Invalid stock"

	ReasonNameTooLong        = "Name is too long"
	ReasonImageURLTooLong    = "Image URL is too long"
	ReasonDescriptionTooLong = "Description is too long"
)

// Column limits of the products table.
const (
	maxNameRunes        = 255
	maxImageURLRunes    = 1024
	maxDescriptionBytes = 65535
	maxStock            = math.MaxInt32
)

const utf8BOM = "\ufeff"

// Plain decimal amounts only: no sign, exponent or grouping.
var pricePattern = regexp.MustCompile(`^\d{1,15}([.,]\d{1,4})?$`)

// Row is one CSV record keyed by normalized header name.
type Row map[string]string

// RowRejection explains why a row did not become a product.
type RowRejection struct {
	Line   int
	Reason string
	Row    Row
}

func (r *RowRejection) Error() string {
	if r.Line > 0 {
		return fmt.Sprintf("line %d: %s", r.Line, r.Reason)
	}
	return r.Reason
}

// ReadRows parses a CSV document whose first record is the header. Header
// names are trimmed and lower-cased. Structural problems such as a record
// with the wrong number of fields or a bare quote fail the whole document
// with domain.ErrMalformedCSV; the rows read up to then are still returned
// so callers can report how many there were.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCSV, err)
	}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var (
		rows      []Row
		malformed error
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if malformed == nil {
				malformed = err
			}
			// A short or long record still counts as a row; anything else
			// leaves the reader out of step with the document.
			if !errors.Is(err, csv.ErrFieldCount) {
				break
			}
		}
		row := make(Row, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	if malformed != nil {
		return rows, fmt.Errorf("%w: %v", domain.ErrMalformedCSV, malformed)
	}
	return rows, nil
}

// ValidateRow turns a row into a product for storeID or explains why it
// cannot. It performs no I/O.
func ValidateRow(row Row, storeID string, now time.Time) (domain.Product, error) {
	name := strings.TrimSpace(row["name"])
	if name == "" {
		return domain.Product{}, &RowRejection{Reason: ReasonNameRequired, Row: row}
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return domain.Product{}, &RowRejection{Reason: ReasonNameTooLong, Row: row}
	}

	rawPrice := strings.TrimSpace(row["price"])
	if rawPrice == "" {
		return domain.Product{}, &RowRejection{Reason: ReasonPriceRequired, Row: row}
	}
	price, ok := parsePrice(rawPrice)
	if !ok {
		return domain.Product{}, &RowRejection{Reason: ReasonInvalidPrice, Row: row}
	}

	stock := 0
	if raw := strings.TrimSpace(row["stock"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxStock {
			return domain.Product{}, &RowRejection{Reason: ReasonInvalidStock, Row: row}
		}
		stock = n
	}

	imageURL := strings.TrimSpace(row["imageurl"])
	if imageURL == "" {
		imageURL = strings.TrimSpace(row["image_url"])
	}
	if utf8.RuneCountInString(imageURL) > maxImageURLRunes {
		return domain.Product{}, &RowRejection{Reason: ReasonImageURLTooLong, Row: row}
	}

	description := strings.TrimSpace(row["description"])
	if len(description) > maxDescriptionBytes {
		return domain.Product{}, &RowRejection{Reason: ReasonDescriptionTooLong, Row: row}
	}

	return domain.Product{
		StoreID:     storeID,
		Name:        name,
		Description: description,
		Price:       price,
		ImageURL:    imageURL,
		Stock:       stock,
		SoldCount:   0,
		IsVisible:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// parsePrice reads a non-negative decimal amount, accepting a comma as the
// decimal separator, and returns it in minor units.
func parsePrice(raw string) (int64, bool) {
	if !pricePattern.MatchString(raw) {
		return 0, false
	}
	d, err := decimal.NewFromString(strings.Replace(raw, ",", ".", 1))
	if err != nil {
		return 0, false
	}
	return d.Shift(2).Round(0).IntPart(), true
}

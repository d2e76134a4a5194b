package simulator

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/fraud-review/api-go/internal/model"
)

var idColumns = []string{"transaction_id", "transactionid", "id"}

// ParseTransactions reads the transaction ids of an uploaded CSV. The first
// record is the header; rows without an id column or cell get TX-<100000+i>.
func ParseTransactions(data []byte) ([]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file has no header", model.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv: %v", model.ErrValidation, err)
	}

	col := -1
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		for _, want := range idColumns {
			if name == want {
				col = i
				break
			}
		}
		if col >= 0 {
			break
		}
	}

	var ids []string
	seen := make(map[string]struct{})
	for i := 0; ; i++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed csv: %v", model.ErrValidation, err)
		}
		id := ""
		if col >= 0 && col < len(rec) {
			id = strings.TrimSpace(rec[col])
		}
		if id == "" {
			id = syntheticID(i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate transaction id %q", model.ErrValidation, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: file has no data rows", model.ErrValidation)
	}
	return ids, nil
}

func SyntheticIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = syntheticID(i)
	}
	return ids
}

func syntheticID(i int) string {
	return fmt.Sprintf("TX-%d", 100000+i)
}

package dashboard

import (
	"encoding/json"
	"fmt"

	"github.com/user/insightdash/pkg/taskapi"
)

// RawPreviewRows is how many rows the raw fallback shows.
const RawPreviewRows = 5

// RawPreview renders up to n rows of the bound datasets as indented JSON.
// Values that cannot be encoded are printed with %v instead.
func RawPreview(datasets []taskapi.DatasetResult, n int) string {
	rows := make([]map[string]any, 0, n)
	for _, ds := range datasets {
		for _, r := range ds.Data {
			if len(rows) == n {
				break
			}
			rows = append(rows, r)
		}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", rows)
	}
	return string(data)
}

// Package migrations embeds the SQL schema, applied in file name order.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/ampilares/selfhostsim/internal/platform/database"
)

//go:embed *.sql
var files embed.FS

// All returns the embedded migrations sorted by name.
func All() ([]database.Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	var out []database.Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := files.ReadFile(e.Name())
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		out = append(out, database.Migration{Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"invpredict/ml"
)

func TestReadCSV(t *testing.T) {
	input := "\ufeffunits_sold, stock_level,sales,store\n10,50,100,north\n12,,118,south\n"

	records, err := ReadCSV(strings.NewReader(input), IngestionConfig{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ml.RawRecord{"units_sold": "10", "stock_level": "50", "sales": "100", "store": "north"}, records[0])
	_, ok := records[1]["stock_level"]
	assert.False(t, ok, "empty cells are left out")
}

func TestReadCSVDelimiter(t *testing.T) {
	records, err := ReadCSV(strings.NewReader("units_sold;stock_level\n1;2\n"), IngestionConfig{Comma: ";"})
	require.NoError(t, err)
	assert.Equal(t, "2", records[0]["stock_level"])

	_, err = ReadCSV(strings.NewReader("a\n"), IngestionConfig{Comma: ";;"})
	assert.Error(t, err)
}

func TestReadCSVEncoding(t *testing.T) {
	encoded, err := charmap.Windows1252.NewEncoder().String("units_sold,stock_level,sales,note\n1,2,3,café\n")
	require.NoError(t, err)

	records, err := ReadCSV(bytes.NewReader([]byte(encoded)), IngestionConfig{Encoding: "windows-1252"})
	require.NoError(t, err)
	assert.Equal(t, "café", records[0]["note"])

	_, err = ReadCSV(strings.NewReader(encoded), IngestionConfig{Encoding: "no-such-charset"})
	assert.Error(t, err)
}

func TestReadCSVEmpty(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""), IngestionConfig{})
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestIngesterLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.csv")
	content := "units_sold,stock_level,sales\n10,50,100\n12,40,118\n8,60,86\n8,60,86\nx,1,2\n15,30,141\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	schema := ml.Schema{Features: []string{"units_sold", "stock_level"}, Target: "sales"}
	ingester := NewDataIngester(IngestionConfig{}, schema, nil)
	ds, report, err := ingester.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, []float64{100, 118, 86, 141}, ds.Y)
	assert.Equal(t, 2, report.Rejected)

	again, _, err := ingester.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Len(), "duplicate tracking does not leak between loads")
}

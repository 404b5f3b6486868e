package loaders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/domain"
	"github.com/psycop-feature-generation/internal/warehouse"
)

type yearRow struct {
	id   int64
	ts   time.Time
	text string
}

// yearQuerier serves the rows of the year named by the lower bound argument
type yearQuerier struct {
	rows   map[int][]yearRow
	failOn int
}

type rowScanner struct{ r yearRow }

func (s rowScanner) Scan(dest ...interface{}) error {
	*dest[0].(*int64) = s.r.id
	*dest[1].(*time.Time) = s.r.ts
	*dest[2].(*string) = s.r.text
	return nil
}

func (q *yearQuerier) Query(_ context.Context, _ string, args []interface{}, scan func(warehouse.Scanner) error) error {
	year := args[0].(time.Time).Year()
	if year == q.failOn {
		return errors.New("timeout")
	}
	for _, r := range q.rows[year] {
		if err := scan(rowScanner{r}); err != nil {
			return err
		}
	}
	return nil
}

func (q *yearQuerier) Close() error { return nil }

func TestNotesLoader_CombinesYearsInOrder(t *testing.T) {
	q := &yearQuerier{rows: map[int][]yearRow{
		2021: {{id: 1, ts: day(2021, 6, 1), text: "late"}},
		2011: {{id: 1, ts: day(2011, 2, 1), text: "early"}, {id: 1, ts: day(2011, 2, 1), text: "early"}},
		2015: {{id: 2, ts: day(2015, 1, 1), text: "middle"}},
	}}

	series, err := Notes(q, "", "notes").Load(context.Background(), params(t, domain.PurposePredictor))
	require.NoError(t, err)

	var texts []string
	for _, e := range series.Events {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"early", "middle", "late"}, texts)

	limited, err := Notes(q, "", "notes").Load(context.Background(), params(t, domain.PurposePredictor, domain.WithRowLimit(1)))
	require.NoError(t, err)
	assert.Len(t, limited.Events, 1)
}

func TestNotesLoader_YearFailure(t *testing.T) {
	q := &yearQuerier{failOn: 2017}
	_, err := Notes(q, "", "notes").Load(context.Background(), params(t, domain.PurposePredictor))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2017")
}

func TestNotesLoader_YearQuery(t *testing.T) {
	query, args, err := Notes(nil, "fct", "notes_sfi", "sfi", "plan").yearQuery(2012)
	require.NoError(t, err)
	assert.Equal(t, "SELECT entity_id, written_at, text FROM fct.notes WHERE written_at >= ? AND written_at < ? AND note_type IN (?, ?) ORDER BY entity_id, written_at", query)
	assert.Equal(t, []interface{}{day(2012, 1, 1), day(2013, 1, 1), "sfi", "plan"}, args)
}

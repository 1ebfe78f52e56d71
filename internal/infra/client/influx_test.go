package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/infra/client"
)

const currentCSV = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,string,string,double
#group,false,false,true,true,true,true,false
#default,_result,,,,,,
,result,table,_start,_stop,_field,component,_value
,,0,2026-05-04T09:00:00Z,2026-05-04T10:00:00Z,error_rate,retriever,0.08
,,1,2026-05-04T09:00:00Z,2026-05-04T10:00:00Z,fact_accuracy,retriever,0.9
,,2,2026-05-04T09:00:00Z,2026-05-04T10:00:00Z,error_rate,generator,0.01

`

const baselineCSV = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,string,string,double
#group,false,false,true,true,true,true,false
#default,_result,,,,,,
,result,table,_start,_stop,_field,component,_value
,,0,2026-05-04T08:00:00Z,2026-05-04T09:00:00Z,error_rate,retriever,0.02
,,1,2026-05-04T08:00:00Z,2026-05-04T09:00:00Z,fact_accuracy,retriever,0.92

`

const errorsCSV = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,string,string,long
#group,false,false,true,true,true,true,false
#default,_result,,,,,,
,result,table,_start,_stop,component,type,_value
,,0,2026-05-04T09:00:00Z,2026-05-04T10:00:00Z,retriever,timeout,14

`

func TestInfluxSource_Fetch(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/query", r.URL.Path)
		assert.Equal(t, "quality", r.URL.Query().Get("org"))

		var body struct {
			Query string `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		queries = append(queries, body.Query)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		switch {
		case strings.Contains(body.Query, "quality_errors"):
			_, _ = w.Write([]byte(errorsCSV))
		case strings.Contains(body.Query, "start: 2026-05-04T08:00:00Z"):
			_, _ = w.Write([]byte(baselineCSV))
		default:
			_, _ = w.Write([]byte(currentCSV))
		}
	}))
	defer srv.Close()

	src := client.NewInfluxSource(srv.URL, "token", "quality", "metrics")
	defer src.Close()

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	snaps, err := src.Fetch(context.Background(), time.Hour, at)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0], `from(bucket: "metrics")`)
	assert.Contains(t, queries[0], "range(start: 2026-05-04T09:00:00Z, stop: 2026-05-04T10:00:00Z)")

	// Sorted by component.
	gen, ret := snaps[0], snaps[1]
	assert.Equal(t, "generator", gen.Component)
	assert.Equal(t, 0.01, gen.CurrentMetrics["error_rate"])
	assert.Empty(t, gen.BaselineMetrics)

	assert.Equal(t, "retriever", ret.Component)
	assert.Equal(t, 0.08, ret.CurrentMetrics["error_rate"])
	assert.Equal(t, 0.02, ret.BaselineMetrics["error_rate"])
	assert.Equal(t, 0.92, ret.BaselineMetrics["fact_accuracy"])
	require.Len(t, ret.ErrorSamples, 1)
	assert.Equal(t, "timeout", ret.ErrorSamples[0].Type)
	assert.Equal(t, 14, ret.ErrorSamples[0].Count)
	assert.Equal(t, "1h0m0s", ret.WindowLabel)
	assert.True(t, at.Equal(ret.CapturedAt))
}

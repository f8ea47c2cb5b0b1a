package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"mujina-miner/internal/appstate"
	"mujina-miner/internal/backplane"
	"mujina-miner/internal/board"
	"mujina-miner/internal/config"
	"mujina-miner/internal/scheduler"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	state := appstate.New(config.LoadBackplaneConfig())
	factory := func(info board.DeviceInfo) *board.Board {
		return board.New(board.KindBitaxeGamma, info, board.DefaultConfig(), nil)
	}
	bp := backplane.New(state.Config, state, scheduler.New(), factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go bp.Run(ctx)
	t.Cleanup(cancel)

	return NewRouter(state, bp)
}

func TestListBoards_EmptyRegistry(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"boards":[]}`, w.Body.String())
}

func TestListFailed_EmptyRegistry(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards/failed", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"failed_boards":[]}`, w.Body.String())
}

func TestSetVoltage_OutsideSafetyBandRejected(t *testing.T) {
	router := testRouter(t)

	for _, body := range []string{`{"voltage": 2.5}`, `{"voltage": 0.3}`} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/boards/AXE-01/voltage",
			strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code, body)
		require.Contains(t, w.Body.String(), "safety band")
	}
}

func TestSetVoltage_MalformedBody(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boards/AXE-01/voltage",
		strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReinitialize_UnknownSerial(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/boards/NOPE/reinitialize", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "NOPE")
}

func TestConfig_ReportsReservedRecoveryKnobs(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"init_timeout_secs":10`)
	require.Contains(t, w.Body.String(), `"auto_recovery":false`)
}

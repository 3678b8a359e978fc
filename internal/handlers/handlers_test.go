package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fuelops/support-signaling/internal/models"
	"github.com/fuelops/support-signaling/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGetRoom(t *testing.T) {
	assert := assert.New(t)
	dir := rooms.NewDirectory()
	dir.Join("b", "support-call-42")
	dir.Join("a", "support-call-42")

	r := gin.New()
	r.GET("/api/rooms/:roomId", GetRoom(dir, nil, zap.NewNop()))

	res := performTestRequest(r, http.MethodGet, "/api/rooms/support-call-42", nil)
	assert.Equal(http.StatusOK, res.Code)

	var info models.RoomInfo
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &info))
	assert.Equal("support-call-42", info.ID)
	assert.Equal([]string{"a", "b"}, info.Members)
	assert.Equal(2, info.MemberCount)
	assert.Nil(info.ClusterMemberCount)

	res = performTestRequest(r, http.MethodGet, "/api/rooms/unknown", nil)
	assert.Equal(http.StatusNotFound, res.Code)
}

func TestGetRoom_ClusterCount(t *testing.T) {
	assert := assert.New(t)
	dir := rooms.NewDirectory()
	dir.Join("a", "r")

	r := gin.New()
	r.GET("/ok/:roomId", GetRoom(dir, fakeCounter{n: 5}, zap.NewNop()))
	r.GET("/err/:roomId", GetRoom(dir, fakeCounter{err: errors.New("down")}, zap.NewNop()))

	var info models.RoomInfo
	res := performTestRequest(r, http.MethodGet, "/ok/r", nil)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &info))
	require.NotNil(t, info.ClusterMemberCount)
	assert.Equal(int64(5), *info.ClusterMemberCount)

	info = models.RoomInfo{}
	res = performTestRequest(r, http.MethodGet, "/err/r", nil)
	assert.Equal(http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &info))
	assert.Nil(info.ClusterMemberCount)
}

func TestListRooms(t *testing.T) {
	assert := assert.New(t)
	dir := rooms.NewDirectory()
	dir.Join("a", "r2")
	dir.Join("b", "r1")
	dir.Join("c", "r1")

	r := gin.New()
	r.GET("/api/rooms", ListRooms(dir))

	res := performTestRequest(r, http.MethodGet, "/api/rooms", nil)
	assert.Equal(http.StatusOK, res.Code)

	var list models.RoomList
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	assert.Equal(2, list.Count)
	require.Len(t, list.Rooms, 2)
	assert.Equal("r1", list.Rooms[0].ID)
	assert.Equal(2, list.Rooms[0].MemberCount)
	assert.Equal("r2", list.Rooms[1].ID)
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/health", Health())
	r.GET("/degraded", Health(fakePinger{err: errors.New("redis down")}))
	r.GET("/", Root)

	assert.Equal(t, http.StatusOK, performTestRequest(r, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, performTestRequest(r, http.MethodGet, "/degraded", nil).Code)

	res := performTestRequest(r, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "/ws")
}

func TestOriginFilter(t *testing.T) {
	type testCase struct {
		allowed        []string
		method         string
		origin         string
		expectedStatus int
	}

	cases := []testCase{
		{allowed: []string{"http://localhost:3000"}, method: http.MethodGet, origin: "", expectedStatus: http.StatusOK},
		{allowed: []string{"http://localhost:3000"}, method: http.MethodGet, origin: "http://localhost:3000", expectedStatus: http.StatusOK},
		{allowed: []string{"http://localhost:3000"}, method: http.MethodGet, origin: "http://evil.example.com", expectedStatus: http.StatusForbidden},
		{allowed: []string{"http://localhost:3000"}, method: http.MethodOptions, origin: "http://localhost:3000", expectedStatus: http.StatusNoContent},
		{allowed: []string{"*"}, method: http.MethodGet, origin: "http://anything.example.com", expectedStatus: http.StatusOK},
	}

	for i, tc := range cases {
		r := gin.New()
		r.Use(OriginFilter(tc.allowed))
		r.Any("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		headers := http.Header{}
		if tc.origin != "" {
			headers.Set("Origin", tc.origin)
		}
		res := performTestRequest(r, tc.method, "/", headers)
		assert.Equal(t, tc.expectedStatus, res.Code, "Test case %d failed", i)
		if tc.expectedStatus != http.StatusForbidden && tc.origin != "" {
			assert.Equal(t, tc.origin, res.Header().Get("Access-Control-Allow-Origin"), "Test case %d failed", i)
		}
	}
}

// ---- Test utils ----

func performTestRequest(r http.Handler, method, url string, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	for k, v := range headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) Count(context.Context, string) (int64, error) {
	return f.n, f.err
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

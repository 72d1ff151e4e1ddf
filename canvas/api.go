package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// client for the canvas persistence platform.
// the session is explicit. every call resolves its bearer token from the
// session at request time, so a login or token refresh applies to
// subsequent calls without rebuilding the client.
type CanvasApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	session *Session
}

func NewCanvasApi(session *Session) *CanvasApi {
	return NewCanvasApiWithContext(context.Background(), session)
}

func NewCanvasApiWithContext(ctx context.Context, session *Session) *CanvasApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CanvasApi{
		ctx:     cancelCtx,
		cancel:  cancel,
		session: session,
	}
}

func (self *CanvasApi) Session() *Session {
	return self.session
}

func (self *CanvasApi) Close() {
	self.cancel()
}

type ListBlocksCallback apiCallback[*ListBlocksResult]

type ListBlocksResult struct {
	Blocks []*Block `json:"blocks"`
}

func (self *CanvasApi) ListBlocks(projectId Id, callback ListBlocksCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/blocks", self.session.ApiUrl, projectId),
		nil,
		self.session,
		&ListBlocksResult{},
		callback,
	)
}

func (self *CanvasApi) ListBlocksSync(ctx context.Context, projectId Id) (*ListBlocksResult, error) {
	return request(
		ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/blocks", self.session.ApiUrl, projectId),
		nil,
		self.session,
		&ListBlocksResult{},
		NewNoopApiCallback[*ListBlocksResult](),
	)
}

type CreateBlockCallback apiCallback[*CreateBlockResult]

type CreateBlockArgs struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Status      string         `json:"status,omitempty"`
	PositionX   float64        `json:"position_x"`
	PositionY   float64        `json:"position_y"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type CreateBlockResult struct {
	Block *Block `json:"block"`
}

func (self *CanvasApi) CreateBlock(projectId Id, createBlock *CreateBlockArgs, callback CreateBlockCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/blocks", self.session.ApiUrl, projectId),
		createBlock,
		self.session,
		&CreateBlockResult{},
		callback,
	)
}

func (self *CanvasApi) CreateBlockSync(ctx context.Context, projectId Id, createBlock *CreateBlockArgs) (*CreateBlockResult, error) {
	return request(
		ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/blocks", self.session.ApiUrl, projectId),
		createBlock,
		self.session,
		&CreateBlockResult{},
		NewNoopApiCallback[*CreateBlockResult](),
	)
}

type UpdateBlockCallback apiCallback[*UpdateBlockResult]

// all fields optional. omitted fields are left unchanged by the platform
type UpdateBlockArgs struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Type        *string         `json:"type,omitempty"`
	Status      *string         `json:"status,omitempty"`
	PositionX   *float64        `json:"position_x,omitempty"`
	PositionY   *float64        `json:"position_y,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

type UpdateBlockResult struct {
	Block *Block `json:"block"`
}

func (self *CanvasApi) UpdateBlock(blockId Id, updateBlock *UpdateBlockArgs, callback UpdateBlockCallback) {
	go request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/blocks/%s", self.session.ApiUrl, blockId),
		updateBlock,
		self.session,
		&UpdateBlockResult{},
		callback,
	)
}

func (self *CanvasApi) UpdateBlockSync(ctx context.Context, blockId Id, updateBlock *UpdateBlockArgs) (*UpdateBlockResult, error) {
	return request(
		ctx,
		"PUT",
		fmt.Sprintf("%s/blocks/%s", self.session.ApiUrl, blockId),
		updateBlock,
		self.session,
		&UpdateBlockResult{},
		NewNoopApiCallback[*UpdateBlockResult](),
	)
}

type DeleteBlockCallback apiCallback[*DeleteBlockResult]

type DeleteBlockResult struct{}

func (self *CanvasApi) DeleteBlock(blockId Id, callback DeleteBlockCallback) {
	go request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/blocks/%s", self.session.ApiUrl, blockId),
		nil,
		self.session,
		&DeleteBlockResult{},
		callback,
	)
}

func (self *CanvasApi) DeleteBlockSync(ctx context.Context, blockId Id) (*DeleteBlockResult, error) {
	return request(
		ctx,
		"DELETE",
		fmt.Sprintf("%s/blocks/%s", self.session.ApiUrl, blockId),
		nil,
		self.session,
		&DeleteBlockResult{},
		NewNoopApiCallback[*DeleteBlockResult](),
	)
}

type BatchUpdatePositionsCallback apiCallback[*BatchUpdatePositionsResult]

type PositionUpdate struct {
	Id        Id      `json:"id"`
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
}

type BatchUpdatePositionsArgs struct {
	Updates []*PositionUpdate `json:"updates"`
}

type BatchUpdatePositionsResult struct {
	Success bool `json:"success"`
}

func (self *CanvasApi) BatchUpdatePositions(batchUpdate *BatchUpdatePositionsArgs, callback BatchUpdatePositionsCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/blocks/batch-update-positions", self.session.ApiUrl),
		batchUpdate,
		self.session,
		&BatchUpdatePositionsResult{},
		callback,
	)
}

func (self *CanvasApi) BatchUpdatePositionsSync(ctx context.Context, batchUpdate *BatchUpdatePositionsArgs) (*BatchUpdatePositionsResult, error) {
	return request(
		ctx,
		"POST",
		fmt.Sprintf("%s/blocks/batch-update-positions", self.session.ApiUrl),
		batchUpdate,
		self.session,
		&BatchUpdatePositionsResult{},
		NewNoopApiCallback[*BatchUpdatePositionsResult](),
	)
}

type ListRelationsCallback apiCallback[*ListRelationsResult]

type ListRelationsResult struct {
	Relations []*Relation `json:"relations"`
}

func (self *CanvasApi) ListRelations(projectId Id, callback ListRelationsCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/relations", self.session.ApiUrl, projectId),
		nil,
		self.session,
		&ListRelationsResult{},
		callback,
	)
}

func (self *CanvasApi) ListRelationsSync(ctx context.Context, projectId Id) (*ListRelationsResult, error) {
	return request(
		ctx,
		"GET",
		fmt.Sprintf("%s/projects/%s/relations", self.session.ApiUrl, projectId),
		nil,
		self.session,
		&ListRelationsResult{},
		NewNoopApiCallback[*ListRelationsResult](),
	)
}

type CreateRelationCallback apiCallback[*CreateRelationResult]

type CreateRelationArgs struct {
	SourceBlockId Id             `json:"source_block_id"`
	TargetBlockId Id             `json:"target_block_id"`
	Type          string         `json:"type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type CreateRelationResult struct {
	Relation *Relation `json:"relation"`
}

func (self *CanvasApi) CreateRelation(projectId Id, createRelation *CreateRelationArgs, callback CreateRelationCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/relations", self.session.ApiUrl, projectId),
		createRelation,
		self.session,
		&CreateRelationResult{},
		callback,
	)
}

func (self *CanvasApi) CreateRelationSync(ctx context.Context, projectId Id, createRelation *CreateRelationArgs) (*CreateRelationResult, error) {
	return request(
		ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/relations", self.session.ApiUrl, projectId),
		createRelation,
		self.session,
		&CreateRelationResult{},
		NewNoopApiCallback[*CreateRelationResult](),
	)
}

type DeleteRelationCallback apiCallback[*DeleteRelationResult]

type DeleteRelationResult struct{}

func (self *CanvasApi) DeleteRelation(relationId Id, callback DeleteRelationCallback) {
	go request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/relations/%s", self.session.ApiUrl, relationId),
		nil,
		self.session,
		&DeleteRelationResult{},
		callback,
	)
}

func (self *CanvasApi) DeleteRelationSync(ctx context.Context, relationId Id) (*DeleteRelationResult, error) {
	return request(
		ctx,
		"DELETE",
		fmt.Sprintf("%s/relations/%s", self.session.ApiUrl, relationId),
		nil,
		self.session,
		&DeleteRelationResult{},
		NewNoopApiCallback[*DeleteRelationResult](),
	)
}

type SaveCanvasDataCallback apiCallback[*SaveCanvasDataResult]

// denormalized snapshot of the rendered canvas.
// saved best-effort after a successful position flush so the node/edge
// summary stays durable alongside the positions
type SaveCanvasDataArgs struct {
	Nodes         []*Node             `json:"nodes"`
	Edges         []*Edge             `json:"edges"`
	NodePositions map[string]Position `json:"nodePositions"`
}

type SaveCanvasDataResult struct {
	Success bool `json:"success"`
}

func (self *CanvasApi) SaveCanvasData(projectId Id, saveCanvasData *SaveCanvasDataArgs, callback SaveCanvasDataCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/projects/%s/canvas-data", self.session.ApiUrl, projectId),
		saveCanvasData,
		self.session,
		&SaveCanvasDataResult{},
		callback,
	)
}

type HealthCallback apiCallback[*HealthResult]

type HealthResult struct {
	Status string `json:"status"`
}

func (self *CanvasApi) Health(callback HealthCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/health", self.session.ApiUrl),
		nil,
		self.session,
		&HealthResult{},
		callback,
	)
}

func (self *CanvasApi) HealthSync(ctx context.Context) (*HealthResult, error) {
	return request(
		ctx,
		"GET",
		fmt.Sprintf("%s/health", self.session.ApiUrl),
		nil,
		self.session,
		&HealthResult{},
		NewNoopApiCallback[*HealthResult](),
	)
}

type apiErrorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// the platform puts the error message in the response body of non-2xx
// responses, either as `{"error": ...}` or as plain text. a network failure
// and an application error surface identically to the caller.
func apiError(statusCode int, responseBodyBytes []byte) error {
	body := &apiErrorBody{}
	if err := json.Unmarshal(responseBodyBytes, body); err == nil {
		if body.Error != "" {
			return errors.New(body.Error)
		}
		if body.Message != "" {
			return errors.New(body.Message)
		}
	}
	if errorMessage := strings.TrimSpace(string(responseBodyBytes)); errorMessage != "" {
		return errors.New(errorMessage)
	}
	return fmt.Errorf("http status %d", statusCode)
}

func request[R any](ctx context.Context, method string, url string, args any, session *Session, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if bearerToken := session.BearerToken(); bearerToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", bearerToken))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		err = apiError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

package canvas_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/momentoboard/canvas/canvas"
)

// in-memory stand-in for the persistence platform
type testPlatform struct {
	server *httptest.Server

	mutex           sync.Mutex
	blocks          []*canvas.Block
	relations       []*canvas.Relation
	batchCalls      [][]*canvas.PositionUpdate
	canvasDataSaves int

	failBatch  bool
	batchDelay time.Duration
	failList   bool
}

func newTestPlatform() *testPlatform {
	platform := &testPlatform{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /projects/{projectId}/blocks", platform.listBlocks)
	mux.HandleFunc("POST /projects/{projectId}/blocks", platform.createBlock)
	mux.HandleFunc("PUT /blocks/{blockId}", platform.updateBlock)
	mux.HandleFunc("DELETE /blocks/{blockId}", platform.deleteBlock)
	mux.HandleFunc("POST /blocks/batch-update-positions", platform.batchUpdatePositions)
	mux.HandleFunc("GET /projects/{projectId}/relations", platform.listRelations)
	mux.HandleFunc("POST /projects/{projectId}/relations", platform.createRelation)
	mux.HandleFunc("DELETE /relations/{relationId}", platform.deleteRelation)
	mux.HandleFunc("POST /projects/{projectId}/canvas-data", platform.saveCanvasData)

	platform.server = httptest.NewServer(mux)
	return platform
}

func (self *testPlatform) close() {
	self.server.Close()
}

func (self *testPlatform) session() *canvas.Session {
	return canvas.NewSession(self.server.URL, "", "test-anon-key")
}

func writeJson(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func (self *testPlatform) listBlocks(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.failList {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJson(w, map[string]any{"blocks": self.blocks})
}

func (self *testPlatform) createBlock(w http.ResponseWriter, r *http.Request) {
	projectId, err := canvas.ParseId(r.PathValue("projectId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad project id")
		return
	}

	block := &canvas.Block{}
	if err := json.NewDecoder(r.Body).Decode(block); err != nil {
		writeError(w, http.StatusBadRequest, "bad block")
		return
	}
	block.Id = canvas.NewId()
	block.ProjectId = projectId
	block.CreatedAt = time.Now()
	block.UpdatedAt = time.Now()

	self.mutex.Lock()
	self.blocks = append(self.blocks, block)
	self.mutex.Unlock()

	writeJson(w, map[string]any{"block": block})
}

func (self *testPlatform) updateBlock(w http.ResponseWriter, r *http.Request) {
	blockId, err := canvas.ParseId(r.PathValue("blockId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad block id")
		return
	}

	args := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, "bad update")
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, block := range self.blocks {
		if block.Id == blockId {
			if title, ok := args["title"].(string); ok {
				block.Title = title
			}
			if status, ok := args["status"].(string); ok {
				block.Status = status
			}
			block.UpdatedAt = time.Now()
			writeJson(w, map[string]any{"block": block})
			return
		}
	}
	writeError(w, http.StatusNotFound, "block not found")
}

func (self *testPlatform) deleteBlock(w http.ResponseWriter, r *http.Request) {
	blockId, err := canvas.ParseId(r.PathValue("blockId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad block id")
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	kept := []*canvas.Block{}
	for _, block := range self.blocks {
		if block.Id != blockId {
			kept = append(kept, block)
		}
	}
	self.blocks = kept

	keptRelations := []*canvas.Relation{}
	for _, relation := range self.relations {
		if relation.SourceBlockId != blockId && relation.TargetBlockId != blockId {
			keptRelations = append(keptRelations, relation)
		}
	}
	self.relations = keptRelations

	w.WriteHeader(http.StatusOK)
}

func (self *testPlatform) batchUpdatePositions(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	failBatch := self.failBatch
	batchDelay := self.batchDelay
	self.mutex.Unlock()

	if 0 < batchDelay {
		time.Sleep(batchDelay)
	}
	if failBatch {
		writeError(w, http.StatusInternalServerError, "batch failed")
		return
	}

	args := &canvas.BatchUpdatePositionsArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		writeError(w, http.StatusBadRequest, "bad batch")
		return
	}

	self.mutex.Lock()
	self.batchCalls = append(self.batchCalls, args.Updates)
	for _, update := range args.Updates {
		for _, block := range self.blocks {
			if block.Id == update.Id {
				block.PositionX = update.PositionX
				block.PositionY = update.PositionY
			}
		}
	}
	self.mutex.Unlock()

	writeJson(w, map[string]any{"success": true})
}

func (self *testPlatform) listRelations(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	writeJson(w, map[string]any{"relations": self.relations})
}

func (self *testPlatform) createRelation(w http.ResponseWriter, r *http.Request) {
	projectId, err := canvas.ParseId(r.PathValue("projectId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad project id")
		return
	}

	relation := &canvas.Relation{}
	if err := json.NewDecoder(r.Body).Decode(relation); err != nil {
		writeError(w, http.StatusBadRequest, "bad relation")
		return
	}
	relation.Id = canvas.NewId()
	relation.ProjectId = projectId
	relation.CreatedAt = time.Now()

	self.mutex.Lock()
	self.relations = append(self.relations, relation)
	self.mutex.Unlock()

	writeJson(w, map[string]any{"relation": relation})
}

func (self *testPlatform) deleteRelation(w http.ResponseWriter, r *http.Request) {
	relationId, err := canvas.ParseId(r.PathValue("relationId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad relation id")
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	kept := []*canvas.Relation{}
	for _, relation := range self.relations {
		if relation.Id != relationId {
			kept = append(kept, relation)
		}
	}
	self.relations = kept

	w.WriteHeader(http.StatusOK)
}

func (self *testPlatform) saveCanvasData(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.canvasDataSaves += 1
	self.mutex.Unlock()
	writeJson(w, map[string]any{"success": true})
}

func (self *testPlatform) batchCallCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.batchCalls)
}

func (self *testPlatform) lastBatchCall() []*canvas.PositionUpdate {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.batchCalls) == 0 {
		return nil
	}
	return self.batchCalls[len(self.batchCalls)-1]
}

func (self *testPlatform) canvasDataSaveCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.canvasDataSaves
}

func (self *testPlatform) setFailBatch(failBatch bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failBatch = failBatch
}

func (self *testPlatform) setBatchDelay(batchDelay time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.batchDelay = batchDelay
}

func (self *testPlatform) setFailList(failList bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failList = failList
}

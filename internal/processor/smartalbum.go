package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pixelforge/gallery-core/internal/catalog"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/notify"
)

// minImagesForClustering is the clustering endpoint's minimum input size.
const minImagesForClustering = 2

// SmartAlbum implements the smart-album processor: clusters
// a model's embeddings via an external HTTP clustering endpoint and creates
// one album per returned cluster. find_pending_items reads persisted
// smart_album_tasks rows rather than discovering work from the catalog.
type SmartAlbum struct {
	Catalog    catalog.Store
	Bus        *notify.Bus
	HTTPClient *http.Client
}

func (p *SmartAlbum) TaskKind() modelclient.TaskKind { return modelclient.TaskSmartAlbum }

func (p *SmartAlbum) FindPendingItems(ctx context.Context, modelName string, limit int) ([]string, error) {
	tasks, err := p.Catalog.PendingSmartAlbumTasks(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ModelName == modelName {
			ids = append(ids, strconv.FormatInt(t.ID, 10))
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

type clusterRequest struct {
	Embeddings    [][]float32           `json:"embeddings"`
	ImageIDs      []int64                `json:"image_ids"`
	HDBSCANParams catalog.HDBSCANParams  `json:"hdbscan_params"`
	UMAPParams    catalog.UMAPParams     `json:"umap_params"`
}

type clusterResponseEntry struct {
	ClusterID int     `json:"cluster_id"`
	ImageIDs  []int64 `json:"image_ids"`
	AvgProb   float64 `json:"avg_prob"`
}

type clusterResponse struct {
	Clusters      []clusterResponseEntry `json:"clusters"`
	NoiseImageIDs []int64                `json:"noise_image_ids"`
	NClusters     int                    `json:"n_clusters"`
	ParamsUsed    json.RawMessage        `json:"params_used"`
}

func (p *SmartAlbum) Process(ctx context.Context, itemID, modelName string, client modelclient.Client) error {
	taskID, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("processor: smart-album bad item id %q: %w", itemID, err)
	}

	task, err := p.Catalog.SmartAlbumTask(ctx, taskID)
	if err != nil {
		return err
	}

	p.publish(taskID, "collecting", 0, 0)

	embeddings, err := p.Catalog.EmbeddingsForModel(ctx, modelName)
	if err != nil {
		return err
	}
	if len(embeddings) < minImagesForClustering {
		_ = p.Catalog.SetSmartAlbumTaskStatus(ctx, taskID, "failed")
		p.publish(taskID, "failed", 0, len(embeddings))
		return fmt.Errorf("smart-album: 至少需要 2 张图片 (got %d)", len(embeddings))
	}

	req := clusterRequest{
		Embeddings:    make([][]float32, len(embeddings)),
		ImageIDs:      make([]int64, len(embeddings)),
		HDBSCANParams: task.HDBSCANParams,
		UMAPParams:    task.UMAPParams,
	}
	for i, e := range embeddings {
		req.Embeddings[i] = decodeFloat32Vector(e.Vector)
		req.ImageIDs[i] = e.ImageID
	}

	p.publish(taskID, "clustering", 0, len(embeddings))

	resp, err := p.callClusteringEndpoint(ctx, task.ClusterEndpoint, req)
	if err != nil {
		_ = p.Catalog.SetSmartAlbumTaskStatus(ctx, taskID, "failed")
		p.publish(taskID, "failed", 0, len(embeddings))
		return err
	}

	p.publish(taskID, "creating", 0, len(resp.Clusters))

	for _, cluster := range resp.Clusters {
		seq, err := p.Catalog.NextSmartAlbumSequence(ctx)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("智能相册 #%d", seq)
		if _, err := p.Catalog.CreateAlbum(ctx, name, cluster.ImageIDs); err != nil {
			return fmt.Errorf("processor: create album for cluster %d: %w", cluster.ClusterID, err)
		}
	}

	if err := p.Catalog.SetSmartAlbumTaskStatus(ctx, taskID, "completed"); err != nil {
		return err
	}
	p.publish(taskID, "completed", len(resp.Clusters), len(embeddings))
	return nil
}

func (p *SmartAlbum) callClusteringEndpoint(ctx context.Context, endpoint string, req clusterRequest) (*clusterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("smart-album: marshal clustering request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("smart-album: build clustering request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("smart-album: clustering request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smart-album: clustering endpoint returned status %d", httpResp.StatusCode)
	}

	var out clusterResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("smart-album: decode clustering response: %w", err)
	}
	return &out, nil
}

func (p *SmartAlbum) publish(taskID int64, status string, clusters, scanned int) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(notify.SmartAlbumProgressEvent{
		BaseEvent:     notify.BaseEvent{EventTopic: notify.TopicSmartAlbumProgress},
		ClustersFound: clusters,
		ImagesScanned: scanned,
		Status:        status,
	})
	_ = taskID
}

var _ Processor = (*SmartAlbum)(nil)

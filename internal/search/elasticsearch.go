package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/atlas/services/orchestrator/config"
	"example.com/atlas/services/orchestrator/internal/models"
	"example.com/atlas/services/orchestrator/internal/queue"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
)

const (
	deliveryIndex   = "webhook-deliveries"
	deadLetterIndex = "dead-letters"
)

// ElasticClient indexes webhook delivery outcomes and dead-lettered jobs so
// operators can search failure history without touching the primary database.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexDelivery indexes a webhook delivery record.
func (c *ElasticClient) IndexDelivery(ctx context.Context, delivery *models.WebhookDelivery, targetURL string) error {
	doc := map[string]interface{}{
		"id":              delivery.ID.String(),
		"subscription_id": delivery.SubscriptionID.String(),
		"tenant_id":       delivery.TenantID.String(),
		"event_id":        delivery.EventID.String(),
		"event_type":      delivery.EventType,
		"target_url":      targetURL,
		"attempt":         delivery.Attempt,
		"success":         delivery.Success,
		"skipped":         delivery.Skipped,
		"status_code":     delivery.StatusCode,
		"duration_ms":     delivery.DurationMs,
		"error":           delivery.Error,
		"created_at":      delivery.CreatedAt,
	}
	return c.index(ctx, deliveryIndex, delivery.ID.String(), doc)
}

// IndexDeadLetter indexes a dead-lettered job for operational search.
func (c *ElasticClient) IndexDeadLetter(ctx context.Context, job *queue.Job) error {
	doc := map[string]interface{}{
		"dlq_job_id":      job.ID.String(),
		"original_job_id": job.DataString("original_job_id"),
		"original_queue":  job.DataString("original_queue"),
		"original_job":    job.DataString("original_job"),
		"error":           job.DataString("error"),
		"failed_at":       job.DataString("failed_at"),
		"data":            job.Data["data"],
	}
	return c.index(ctx, deadLetterIndex, job.ID.String(), doc)
}

func (c *ElasticClient) index(ctx context.Context, index, docID string, doc map[string]interface{}) error {
	docJson, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, index),
		DocumentID: docID,
		Body:       bytes.NewReader(docJson),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	return nil
}

// SearchDeadLetters searches dead-lettered jobs with the given query.
func (c *ElasticClient) SearchDeadLetters(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{config.FormatIndex(c.config, deadLetterIndex)},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}
		docs = append(docs, source)
	}

	return docs, nil
}

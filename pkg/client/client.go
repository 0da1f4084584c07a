package client

import (
	"context"
	"encoding/json"
	"fmt"

	"hpo-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Client is a thin wrapper over the orchestrator's REST API.
type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{client: resty.New().SetBaseURL(baseURL)}
}

func (c *Client) do(ctx context.Context, req func(r *resty.Request) (*resty.Response, error), out any) error {
	res, err := req(c.client.R().SetContext(ctx).SetHeader("Content-Type", "application/json"))
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("request to %s failed with status %d: %s", res.Request.URL, res.StatusCode(), res.String())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		return fmt.Errorf("error parsing response from %s: %w", res.Request.URL, err)
	}
	return nil
}

// CreateStudy submits a search config (raw YAML) and returns the queued
// study. Resubmitting a config with the same study name resumes it.
func (c *Client) CreateStudy(ctx context.Context, configYaml string) (api.CreateStudyResponse, error) {
	var out api.CreateStudyResponse
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(api.CreateStudyRequest{Config: configYaml}).Post("/studies")
	}, &out)
	return out, err
}

func (c *Client) ListStudies(ctx context.Context) ([]api.Study, error) {
	var out []api.Study
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/studies")
	}, &out)
	return out, err
}

func (c *Client) GetStudy(ctx context.Context, studyId uuid.UUID) (api.Study, error) {
	var out api.Study
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/studies/%s", studyId))
	}, &out)
	return out, err
}

func (c *Client) ListTrials(ctx context.Context, studyId uuid.UUID, params api.ListTrialsRequest) ([]api.Trial, error) {
	var out []api.Trial
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		if params.Status != "" {
			r.SetQueryParam("status", params.Status)
		}
		if params.Limit > 0 {
			r.SetQueryParam("limit", fmt.Sprint(params.Limit))
		}
		if params.Offset > 0 {
			r.SetQueryParam("offset", fmt.Sprint(params.Offset))
		}
		return r.Get(fmt.Sprintf("/studies/%s/trials", studyId))
	}, &out)
	return out, err
}

func (c *Client) GetBestTrial(ctx context.Context, studyId uuid.UUID) (api.Trial, error) {
	var out api.Trial
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/studies/%s/best", studyId))
	}, &out)
	return out, err
}

func (c *Client) ListStudyErrors(ctx context.Context, studyId uuid.UUID) ([]api.StudyError, error) {
	var out []api.StudyError
	err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(fmt.Sprintf("/studies/%s/errors", studyId))
	}, &out)
	return out, err
}

func (c *Client) CancelStudy(ctx context.Context, studyId uuid.UUID) error {
	return c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Post(fmt.Sprintf("/studies/%s/cancel", studyId))
	}, nil)
}

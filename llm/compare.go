package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Credential is what the orchestration core needs from a stored connection.
type Credential struct {
	// Secret is the provider API key.
	Secret string
	// Model is the user-selected model; empty means provider default.
	Model string
}

// CredentialStore resolves provider credentials at call time.
type CredentialStore interface {
	Get(provider string) (Credential, bool)
}

// CompareRequest fans one prompt out to several providers.
type CompareRequest struct {
	Providers []string
	Prompt    string
	Image     *Image
}

// Cell is the independent result slot of one provider in a comparison.
// Exactly one of Response and Err is set.
type Cell struct {
	Provider string
	Model    string
	Response *Response
	Err      error
	Duration time.Duration
}

// Compare issues one concurrent call per provider and returns when every
// call has settled. A provider failure is confined to its own cell. Cells
// are returned in request order; onSettled, when non-nil, is invoked once per
// provider in completion order and never concurrently with itself.
func Compare(ctx context.Context, inv Invoker, creds CredentialStore, req CompareRequest, onSettled func(Cell)) []Cell {
	cells := make([]Cell, len(req.Providers))
	var notifyMu sync.Mutex

	var g errgroup.Group
	for i, provider := range req.Providers {
		g.Go(func() error {
			cell := invokeCell(ctx, inv, creds, provider, req)
			cells[i] = cell
			if onSettled != nil {
				notifyMu.Lock()
				onSettled(cell)
				notifyMu.Unlock()
			}
			// Never fail the group: siblings must run to completion.
			return nil
		})
	}
	_ = g.Wait()

	return cells
}

func invokeCell(ctx context.Context, inv Invoker, creds CredentialStore, provider string, req CompareRequest) Cell {
	cell := Cell{Provider: provider}

	cred, ok := creds.Get(provider)
	if !ok || cred.Secret == "" {
		cell.Err = &CredentialMissingError{Provider: provider}
		return cell
	}
	cell.Model = cred.Model

	started := time.Now()
	resp, err := inv.Invoke(ctx, Request{
		Provider:   provider,
		Prompt:     req.Prompt,
		Credential: cred.Secret,
		Model:      cred.Model,
		Image:      req.Image,
	})
	cell.Duration = time.Since(started)
	if err != nil {
		cell.Err = err
		return cell
	}
	cell.Response = resp
	cell.Model = resp.Model
	return cell
}

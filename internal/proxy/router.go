package proxy

import (
	"context"

	"github.com/bardlex/roundproxy/internal/mining"
)

// SubmitNonce validates, routes and forwards one submission. The result is never
// nil and never carries a Go error: rejections come back with code 1 for a
// malformed request, 2 when no upstream mines that height and 3 when the
// upstream refused the nonce.
func (p *Proxy) SubmitNonce(ctx context.Context, raw mining.RawSubmission, meta mining.MinerMeta) *mining.SubmitResult {
	sub, err := raw.Validate()
	if err != nil {
		p.logger.Debug("rejected malformed submission", "error", err.Error(), "miner_id", meta.ID)
		return mining.Failure(mining.CodeWrongFormat, err.Error())
	}

	p.TouchMiner(meta)

	up, info := p.route(sub.Height)
	if up == nil {
		p.logger.Debug("submission for unknown round", "block_height", sub.Height, "account_id", sub.AccountID)
		return mining.Failure(mining.CodeDifferentRound, "submission for a different round")
	}
	p.recordSubmitHeight(meta.ID, up.ID(), sub.Height)
	logger := p.logger.WithUpstream(up.ID()).WithAccount(sub.AccountID, meta.Name)

	opts := mining.SubmitOptions{Miner: meta}

	if sub.Deadline != nil {
		adjusted, err := mining.AdjustDeadline(sub.Deadline, info.BaseTarget)
		if err != nil {
			return mining.Failure(mining.CodeWrongFormat, err.Error())
		}
		opts.AdjustedDeadline = adjusted

		if !up.Accept(sub, adjusted) {
			logger.Trace("deadline not better than recorded best", "deadline", adjusted.String())
			return mining.Success(adjusted, false)
		}
		if !mining.WithinTarget(adjusted, p.targetDL) || !mining.WithinTarget(adjusted, info.TargetDeadline) {
			logger.Trace("deadline above target, not forwarding",
				"deadline", adjusted.String(),
				"proxy_target", p.targetDL,
				"upstream_target", info.TargetDeadline,
			)
			return mining.Success(adjusted, false)
		}
	} else {
		up.Accept(sub, nil)
	}

	res := up.Submit(ctx, sub, opts)
	if res.Error == nil && res.Deadline == nil {
		res.Deadline = opts.AdjustedDeadline
	}
	return res
}

// route finds the first upstream, in registration order, whose active round is
// at height.
func (p *Proxy) route(height uint64) (Upstream, *mining.MiningInfo) {
	for _, u := range p.upstreams {
		info := u.ActiveInfo()
		if info != nil && info.Height == height {
			return u, info
		}
	}
	return nil, nil
}

// Package proxyhttp implements the Request Router and stateless HTTP
// Forwarder of spec.md §4.4: primary/backup/CL selection plus EL and CL
// request passthrough.
//
// Grounded on libevm/rpcroute/http.go's reverseProxyDirector (random pick
// from a healthy frontier), generalized to the tiered primary/backup policy
// spec.md requires, and on original_source/src/proxy/selection.rs for the
// selection function shapes.
package proxyhttp

import (
	"github.com/chainbound/vixy/internal/perror"
	"github.com/chainbound/vixy/internal/registry"
)

// SelectEL implements spec.md §4.4's primary/backup policy (P3, P4): pick a
// healthy primary if one exists; else, if failoverActive, pick a healthy
// backup; else fail with perror.NoHealthyUpstream. Selection within a tier
// is the first node in list order, a deliberately simple stable pick (§4.4,
// §9 Open Question: round-robin is an allowed substitute provided the
// primary-before-backup order is preserved — this implementation keeps
// first-in-list-order, see SPEC_FULL.md §6).
func SelectEL(nodes []registry.ElNode, failoverActive bool, maxLag uint64, failThreshold uint32) (*registry.ElNode, error) {
	for i := range nodes {
		n := nodes[i]
		if n.Tier == registry.TierPrimary && n.Healthy(maxLag, failThreshold) {
			return &n, nil
		}
	}
	if failoverActive {
		for i := range nodes {
			n := nodes[i]
			if n.Tier == registry.TierBackup && n.Healthy(maxLag, failThreshold) {
				return &n, nil
			}
		}
	}
	return nil, perror.New(perror.KindNoHealthyUpstream, "proxyhttp.SelectEL", perror.NoHealthyUpstream)
}

// SelectCL picks the first healthy CL node; CL has no tiering (spec.md §4.4).
func SelectCL(nodes []registry.ClNode, maxLag uint64, failThreshold uint32) (*registry.ClNode, error) {
	for i := range nodes {
		n := nodes[i]
		if n.Healthy(maxLag, failThreshold) {
			return &n, nil
		}
	}
	return nil, perror.New(perror.KindNoHealthyUpstream, "proxyhttp.SelectCL", perror.NoHealthyUpstream)
}

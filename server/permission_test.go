package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.teleportal.dev/core/protocol"
)

func TestClassifySyncStep1IsRead(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep1}}
	var r = classify(m)
	assert.Equal(t, "read", r.kind)
	assert.False(t, r.bypass)
}

func TestClassifyUpdateIsWrite(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocUpdate}}
	assert.Equal(t, "write", classify(m).kind)
}

func TestClassifyAuthMessageAlwaysDenies(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocAuthMessage}}
	assert.True(t, classify(m).alwaysDeny)
}

func TestClassifyAwarenessBypasses(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindAwareness}
	assert.True(t, classify(m).bypass)
}

func TestClassifyMilestoneCreateIsWrite(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{Method: "milestoneCreate"}}}
	assert.Equal(t, "write", classify(m).kind)
}

func TestClassifyMilestoneListIsRead(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{Method: "milestoneList"}}}
	assert.Equal(t, "read", classify(m).kind)
}

func TestClassifyMilestoneResponseIsRead(t *testing.T) {
	var m = &protocol.Message{Kind: protocol.KindDoc, Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneResponse, Milestone: &protocol.MilestonePayload{Method: "milestoneCreate"}}}
	assert.Equal(t, "read", classify(m).kind)
}

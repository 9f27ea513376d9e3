package jobs

import (
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"smallbiznis-messaging/pkg/taskname"
)

func TestNewTaskUsesPayloadKind(t *testing.T) {
	payload := BulkSendPayload{CampaignID: "c1", ShopID: "s1", RecipientIDs: []string{"r1", "r2"}}

	task, err := NewTask(payload, asynq.MaxRetry(BulkSendMaxRetry))
	require.NoError(t, err)
	require.Equal(t, taskname.CampaignBulkSend, task.Type())

	var decoded BulkSendPayload
	require.NoError(t, Decode(task, &decoded))
	require.Equal(t, payload, decoded)
}

func TestDecodeRejectsForeignTaskType(t *testing.T) {
	task, err := NewTask(SingleSendPayload{CampaignID: "c1", RecipientID: "r1"})
	require.NoError(t, err)

	var decoded BulkSendPayload
	err = Decode(task, &decoded)
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	task := asynq.NewTask(taskname.CampaignPersistRepair, []byte("{"))

	var decoded RepairPayload
	err := Decode(task, &decoded)
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestRepairTaskID(t *testing.T) {
	require.Equal(t, "persistSmsResults:sms:repair:bulk:c1:abc", RepairTaskID("sms:repair:bulk:c1:abc"))
}

package tasks

const (
	QUEUE_NAME     = "phonevault_queue"
	SMS_QUEUE_NAME = "sms_queue"

	TypeTransfer       = "transfer:execute"
	TypeResumeTransfer = "transfer:resume"
	TypeEnsureVault    = "vault:ensure"
	TypeSendSMS        = "sms:send"
)

// Queues is the asynq queue priority map of the worker.
var Queues = map[string]int{
	QUEUE_NAME:     10,
	SMS_QUEUE_NAME: 5,
}

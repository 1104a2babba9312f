package libcompart

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Audit receives security-relevant volume events, keyed by compartment
// UUID. The production sink forwards them to the system audit log; the
// default implementation here only logs.
type Audit interface {
	Success(op string, id uuid.UUID, key, value string)
	Failure(op string, id uuid.UUID, key, value string)
}

type logAudit struct{}

func (logAudit) Success(op string, id uuid.UUID, key, value string) {
	logrus.WithFields(logrus.Fields{
		"compartment": id.String(),
		key:           value,
	}).Infof("audit: %s succeeded", op)
}

func (logAudit) Failure(op string, id uuid.UUID, key, value string) {
	logrus.WithFields(logrus.Fields{
		"compartment": id.String(),
		key:           value,
	}).Warnf("audit: %s failed", op)
}

package agent

import (
	"strings"

	"github.com/google/uuid"
)

// Agent type labels.
const (
	TypeGeneric   = "generic"
	TypeAnalyzer  = "analyzer"
	TypeRisk      = "risk"
	TypeExecution = "execution"
)

// idSuffixLen is the number of hex characters appended to the agent type.
const idSuffixLen = 8

// NewID returns an identifier of the form "{agentType}_{8 hex chars}".
// An empty agentType is replaced with TypeGeneric.
func NewID(agentType string) string {
	if agentType == "" {
		agentType = TypeGeneric
	}
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return agentType + "_" + hex[:idSuffixLen]
}

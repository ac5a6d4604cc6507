package producer

import (
	"fmt"
	"os"
	"strings"

	"codeloop/internal/state"
)

// missingInput is what a producer sees for an input that has no prior artifact.
const missingInput = "(none yet)"

// Prompt is a stage instruction plus the rule for appending inputs to it.
type Prompt struct {
	// Instruction is used verbatim when set.
	Instruction string
	// InstructionFile is read on every render when Instruction is empty.
	InstructionFile string
}

// Render builds the prompt text: the instruction followed by one "## <key>"
// section per declared input, in declaration order.
func (p Prompt) Render(in state.View) (string, error) {
	instruction, err := p.instruction()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(instruction, "\n"))
	for _, key := range in.Keys() {
		sb.WriteString("\n\n## ")
		sb.WriteString(key)
		sb.WriteString("\n\n")
		if in.Has(key) {
			sb.WriteString(in.String(key))
		} else {
			sb.WriteString(missingInput)
		}
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

func (p Prompt) instruction() (string, error) {
	if p.Instruction != "" {
		return p.Instruction, nil
	}
	if p.InstructionFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(p.InstructionFile)
	if err != nil {
		return "", fmt.Errorf("failed to read instruction: %w", err)
	}
	return string(data), nil
}

package agent

import "fmt"

// TruncateConsole applies head/tail truncation to console output that is
// about to be fed back to the model. The full output always reaches the
// caller of the loop untouched; only the model's view is shortened.
func TruncateConsole(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	half := maxChars / 2
	removed := len(output) - maxChars
	return output[:half] +
		fmt.Sprintf("\n\n[WARNING: Output was truncated. %d characters were removed from the middle. "+
			"Re-run the code with more targeted output if you need the missing parts.]\n\n",
			removed) +
		output[len(output)-half:]
}

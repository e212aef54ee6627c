package warmup

import (
	"fmt"
	"math/rand"
)

// Template fragments are composed randomly per message so warm-up
// traffic doesn't carry a constant fingerprint.
var (
	subjects = []string{
		"Quick check-in",
		"Following up on our conversation",
		"Thoughts on next steps?",
		"Catching up",
		"Re: project update",
		"Monday notes",
	}

	greetings = []string{
		"Hi there,",
		"Hey,",
		"Hello,",
		"Good morning,",
	}

	bodies = []string{
		"Just wanted to touch base and see how things are going on your end.",
		"Hope the week is treating you well. Any updates on the project?",
		"I was reviewing my notes and wanted to circle back with you.",
		"Quick note to keep the thread warm. Let me know if anything changed.",
		"Checking in before the end of the week. How did the review go?",
	}

	closings = []string{
		"Best,",
		"Cheers,",
		"Talk soon,",
		"Thanks,",
	}
)

// ComposeMessage picks a random subject and body composition.
func ComposeMessage(r *rand.Rand) (subject, body string) {
	subject = subjects[r.Intn(len(subjects))]
	body = fmt.Sprintf("%s\n\n%s\n\n%s",
		greetings[r.Intn(len(greetings))],
		bodies[r.Intn(len(bodies))],
		closings[r.Intn(len(closings))],
	)
	return subject, body
}

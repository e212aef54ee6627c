package replyclass

import (
	"reflect"
	"testing"
)

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		body     string
		category Category
	}{
		{"interested", "Re: outreach", "Sounds great, I'm interested. Send me more details.", CategoryInterested},
		{"not interested", "Re: outreach", "Thanks but we're not interested, not a good fit for us.", CategoryNotInterested},
		{"out of office", "Automatic reply: away", "I am currently out of the office and will return on Monday.", CategoryOutOfOffice},
		{"unsubscribe", "", "unsubscribe me please", CategoryUnsubscribe},
		{"meeting request", "Re: Quick question", "Are you available for a call next week?", CategoryMeetingRequest},
		{"question", "Pricing", "How does your pricing work for small teams?", CategoryQuestion},
		{"referral", "Re: intro", "I'm not the right person, you should talk to my colleague Dana.", CategoryReferral},
		{"bounce", "Mail delivery failed", "550 5.1.1 user unknown, returned to sender", CategoryBounce},
		{"auto reply", "Automatic reply", "This is an automated response. This inbox is not monitored.", CategoryAutoReply},
		{"no signal", "hello", "just checking in on the weather", CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.subject, tt.body)
			if got.Category != tt.category {
				t.Errorf("Classify(%q, %q).Category = %s, want %s (matched %v)",
					tt.subject, tt.body, got.Category, tt.category, got.MatchedTerms)
			}
		})
	}
}

func TestClassifyUnsubscribeConfidence(t *testing.T) {
	got := Classify("", "unsubscribe me please")
	if got.Category != CategoryUnsubscribe {
		t.Fatalf("category = %s", got.Category)
	}
	if got.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", got.Confidence)
	}
	if got.Sentiment != SentimentNegative {
		t.Errorf("sentiment = %s, want negative", got.Sentiment)
	}
}

func TestClassifySchedulingBeatsGenericQuestion(t *testing.T) {
	got := Classify("Re: Quick question", "Are you available for a call next week?")
	if got.Category != CategoryMeetingRequest {
		t.Fatalf("category = %s, want meeting_request (matched %v)", got.Category, got.MatchedTerms)
	}
	if got.Sentiment != SentimentPositive {
		t.Errorf("sentiment = %s, want positive", got.Sentiment)
	}
}

func TestClassifyIsPure(t *testing.T) {
	subject, body := "Re: proposal", "Sounds interesting, can you explain the pricing? I have a question."
	first := Classify(subject, body)
	for i := 0; i < 10; i++ {
		if got := Classify(subject, body); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	inputs := [][2]string{
		{"", ""},
		{"unsubscribe", "unsubscribe unsubscribe opt out remove me stop emailing take me off"},
		{"Re: Quick question", "Are you available for a call next week?"},
	}
	for _, in := range inputs {
		got := Classify(in[0], in[1])
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("Classify(%q, %q).Confidence = %v out of [0,1]", in[0], in[1], got.Confidence)
		}
	}
}

func TestClassifyDefaultsToOther(t *testing.T) {
	got := Classify("", "")
	if got.Category != CategoryOther || got.Sentiment != SentimentNeutral {
		t.Errorf("empty input = %+v, want other/neutral", got)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", got.Confidence)
	}
	if len(got.MatchedTerms) != 0 {
		t.Errorf("matched terms = %v, want none", got.MatchedTerms)
	}
}

func TestClassifyRetainsLosingLeaderTerms(t *testing.T) {
	// The interested rule takes an early lead on the bare "interested"
	// substring, then the rejection rule overtakes it. The early
	// leader's term stays in the list for diagnostics even though it
	// lost the category vote.
	got := Classify("Re: outreach", "interested? no thanks, we are not interested, not a good fit")
	if got.Category != CategoryNotInterested {
		t.Fatalf("category = %s (matched %v)", got.Category, got.MatchedTerms)
	}
	var sawEarlyLeader bool
	for _, term := range got.MatchedTerms {
		if term == "interested" {
			sawEarlyLeader = true
		}
	}
	if !sawEarlyLeader {
		t.Errorf("matched terms = %v, want the overtaken rule's term retained", got.MatchedTerms)
	}
}

package replyclass

import "regexp"

// Category labels an inbound reply.
type Category string

const (
	CategoryInterested     Category = "interested"
	CategoryNotInterested  Category = "not_interested"
	CategoryOutOfOffice    Category = "out_of_office"
	CategoryUnsubscribe    Category = "unsubscribe"
	CategoryMeetingRequest Category = "meeting_request"
	CategoryQuestion       Category = "question"
	CategoryReferral       Category = "referral"
	CategoryBounce         Category = "bounce"
	CategoryAutoReply      Category = "auto_reply"
	CategoryOther          Category = "other"
)

// Sentiment is the coarse tone attached to a category.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// CategoryRule scores one category: +1 per keyword substring, +2 per
// pattern match. Patterns outweigh keywords because they encode
// structural signals rather than loose vocabulary.
type CategoryRule struct {
	Category  Category
	Sentiment Sentiment
	Keywords  []string
	Patterns  []*regexp.Regexp
}

// rules is scanned in order and the winner is decided by strict-greater
// score, so the first rule declared here wins ties. Reordering this
// table changes classification results.
var rules = []CategoryRule{
	{
		Category:  CategoryInterested,
		Sentiment: SentimentPositive,
		Keywords:  []string{"interested", "sounds good", "tell me more", "love to learn", "sign me up", "let's do it"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?:yes|sure),? i(?:'m| am) interested`),
			regexp.MustCompile(`sounds (?:great|good|interesting|promising)`),
			regexp.MustCompile(`send (?:me )?(?:more|the) (?:info|information|details)`),
		},
	},
	{
		Category:  CategoryNotInterested,
		Sentiment: SentimentNegative,
		Keywords:  []string{"not interested", "no thanks", "no thank you", "not a fit", "not right now", "we're all set"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`not (?:a good|the right) (?:fit|time)`),
			regexp.MustCompile(`(?:please )?(?:do not|don't) (?:contact|email) (?:me|us)`),
		},
	},
	{
		Category:  CategoryOutOfOffice,
		Sentiment: SentimentNeutral,
		Keywords:  []string{"out of office", "out of the office", "on vacation", "annual leave", "parental leave"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`i(?:'m| am) (?:currently )?(?:out of|away from) the office`),
			regexp.MustCompile(`will (?:be back|return|respond) (?:on|after|when)`),
			regexp.MustCompile(`limited access to (?:my )?email`),
		},
	},
	{
		Category:  CategoryUnsubscribe,
		Sentiment: SentimentNegative,
		Keywords:  []string{"unsubscribe", "opt out", "opt-out", "remove me", "stop emailing", "take me off"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`unsubscribe`),
			regexp.MustCompile(`remove me from (?:your|this|the) (?:list|mailing)`),
		},
	},
	{
		Category:  CategoryMeetingRequest,
		Sentiment: SentimentPositive,
		Keywords:  []string{"call", "meeting", "schedule", "calendar", "next week", "demo"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`are you (?:available|free)`),
			regexp.MustCompile(`(?:book|grab|set up|find) (?:a|some) time`),
			regexp.MustCompile(`(?:hop|jump) on a (?:call|zoom|meet)`),
		},
	},
	{
		Category:  CategoryQuestion,
		Sentiment: SentimentNeutral,
		Keywords:  []string{"question", "wondering", "curious", "how does", "what is the"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`\?\s*$`),
			regexp.MustCompile(`(?:can|could) you (?:explain|clarify|elaborate)`),
		},
	},
	{
		Category:  CategoryReferral,
		Sentiment: SentimentNeutral,
		Keywords:  []string{"forwarded", "right person", "better contact", "reach out to", "colleague"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?:cc|copy)(?:'?i?ng| ing)`),
			regexp.MustCompile(`(?:he|she|they) (?:handles?|owns?|runs?|manages?)`),
			regexp.MustCompile(`you (?:should|want to) (?:talk|speak) to`),
		},
	},
	{
		Category:  CategoryBounce,
		Sentiment: SentimentNegative,
		Keywords:  []string{"delivery failed", "undeliverable", "mailer-daemon", "returned to sender", "user unknown"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b55[0-4]\b`),
			regexp.MustCompile(`(?:mailbox|address|recipient) (?:not found|unavailable|full|rejected)`),
		},
	},
	{
		Category:  CategoryAutoReply,
		Sentiment: SentimentNeutral,
		Keywords:  []string{"automatic reply", "auto-reply", "autoreply", "do not reply", "automated response"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`automat(?:ic|ed) (?:reply|response|message)`),
			regexp.MustCompile(`this (?:inbox|mailbox) is not monitored`),
		},
	},
}

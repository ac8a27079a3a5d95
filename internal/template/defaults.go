package template

// Defaults returns the templates installed into an empty store
func Defaults() []*Template {
	return []*Template{
		{
			ID:       "greeting",
			Name:     "Greeting",
			Content:  "Hello {name}, how are you today?",
			Category: "General",
		},
		{
			ID:       "meeting_reminder",
			Name:     "Meeting Reminder",
			Content:  "Hi {name}, just a reminder about our meeting {time}. Please let me know if you can make it.",
			Category: "Business",
		},
		{
			ID:       "thank_you",
			Name:     "Thank You",
			Content:  "Thank you for your {item}, {name}! I really appreciate it.",
			Category: "General",
		},
		{
			ID:       "follow_up",
			Name:     "Follow Up",
			Content:  "Hi {name}, I'm following up on our conversation about {topic}. Any updates?",
			Category: "Business",
		},
	}
}

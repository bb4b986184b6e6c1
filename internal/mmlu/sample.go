package mmlu

// SampleSubjects are the subjects covered by the built-in sample data.
var SampleSubjects = []string{"abstract_algebra", "anatomy", "astronomy"}

// sampleDevSize is how many of the sample test questions are repeated in the dev split.
const sampleDevSize = 2

func sampleQuestions(subject string) []Question {
	return []Question{
		{Question: "What is 2+2?", Choices: []string{"3", "4", "5", "6"}, Answer: 1, Subject: subject},
		{Question: "What is the capital of France?", Choices: []string{"London", "Paris", "Berlin", "Madrid"}, Answer: 1, Subject: subject},
		{Question: "Which is largest?", Choices: []string{"Earth", "Sun", "Moon", "Mars"}, Answer: 1, Subject: subject},
	}
}

// SampleDataset builds the fixed sample data set used when nothing could be downloaded.
// The dev split of each subject is a strict prefix of its test split and no validation split
// is produced.
func SampleDataset() Dataset {
	d := Dataset{SplitTest: nil, SplitDev: nil}
	for _, subject := range SampleSubjects {
		qs := sampleQuestions(subject)
		d[SplitTest] = append(d[SplitTest], qs...)
		d[SplitDev] = append(d[SplitDev], qs[:sampleDevSize]...)
	}
	return d
}

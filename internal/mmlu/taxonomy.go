package mmlu

import "sort"

// categories maps each coarse MMLU category to its subjects. It is reference data only and is
// never enforced against downloaded records.
var categories = map[string][]string{
	"STEM": {
		"abstract_algebra",
		"astronomy",
		"college_biology",
		"college_chemistry",
		"college_computer_science",
		"college_mathematics",
		"college_physics",
		"computer_security",
		"conceptual_physics",
		"electrical_engineering",
		"elementary_mathematics",
		"high_school_biology",
		"high_school_chemistry",
		"high_school_computer_science",
		"high_school_mathematics",
		"high_school_physics",
		"high_school_statistics",
		"machine_learning",
	},
	"Humanities": {
		"formal_logic",
		"high_school_european_history",
		"high_school_us_history",
		"high_school_world_history",
		"international_law",
		"jurisprudence",
		"logical_fallacies",
		"moral_disputes",
		"moral_scenarios",
		"philosophy",
		"prehistory",
		"professional_law",
		"world_religions",
	},
	"Social Sciences": {
		"econometrics",
		"high_school_geography",
		"high_school_government_and_politics",
		"high_school_macroeconomics",
		"high_school_microeconomics",
		"high_school_psychology",
		"human_sexuality",
		"professional_psychology",
		"public_relations",
		"security_studies",
		"sociology",
		"us_foreign_policy",
	},
	"Other": {
		"anatomy",
		"business_ethics",
		"clinical_knowledge",
		"college_medicine",
		"global_facts",
		"human_aging",
		"management",
		"marketing",
		"medical_genetics",
		"miscellaneous",
		"nutrition",
		"professional_accounting",
		"professional_medicine",
		"virology",
	},
}

// subjectCategory is the reverse index of categories, built once at init.
var subjectCategory = func() map[string]string {
	idx := make(map[string]string)
	for cat, subjects := range categories {
		for _, s := range subjects {
			idx[s] = cat
		}
	}
	return idx
}()

// CategoryNames returns the category names in sorted order.
func CategoryNames() []string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Categories returns a copy of the category taxonomy.
func Categories() map[string][]string {
	out := make(map[string][]string, len(categories))
	for cat, subjects := range categories {
		out[cat] = append([]string(nil), subjects...)
	}
	return out
}

// CategoryOf reports the category a subject belongs to.
func CategoryOf(subject string) (string, bool) {
	cat, ok := subjectCategory[subject]
	return cat, ok
}

// KnownSubjects returns every subject in the taxonomy, sorted.
func KnownSubjects() []string {
	subjects := make([]string, 0, len(subjectCategory))
	for s := range subjectCategory {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

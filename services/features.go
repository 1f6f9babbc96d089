package services

// DefaultSystemPrompt is used until a feature template is selected.
const DefaultSystemPrompt = "你是一名耐心、专业的中学升学与专业选择顾问。" +
	"请根据学生的兴趣、学科优势和职业期望，给出具体、可执行的建议。" +
	"回答使用简体中文，条理清晰，避免空泛的套话。"

// Feature is a consultation template: selecting one swaps the system
// prompt used for the following messages.
type Feature struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SystemPrompt string `json:"systemPrompt"`
}

var defaultFeatures = []Feature{
	{
		ID:          "major-match",
		Title:       "专业匹配",
		Description: "根据兴趣和成绩推荐适合的大学专业",
		SystemPrompt: "你是专业匹配顾问。先了解学生的兴趣爱好、优势学科和性格特点，" +
			"再推荐 3 个左右适合的大学专业，并说明每个专业的学习内容和就业方向。",
	},
	{
		ID:          "career-plan",
		Title:       "职业规划",
		Description: "从职业目标倒推专业与升学路径",
		SystemPrompt: "你是职业规划顾问。帮助学生明确职业目标，" +
			"说明实现该目标通常需要的专业、学历和能力，并给出高中阶段可以开始准备的事情。",
	},
	{
		ID:          "subject-choice",
		Title:       "选科建议",
		Description: "新高考选科组合分析",
		SystemPrompt: "你是新高考选科顾问。结合学生的学科成绩和意向专业，" +
			"分析不同选科组合的专业覆盖率和优劣，给出明确的推荐组合。",
	},
	{
		ID:          "college-intro",
		Title:       "院校介绍",
		Description: "了解目标院校及其优势专业",
		SystemPrompt: "你是院校信息顾问。客观介绍学生关心的高校的办学特色、优势学科和招生情况，" +
			"信息不确定时要明确说明并建议学生查阅官方招生网站。",
	},
}

type FeatureCatalog struct {
	features []Feature
	byID     map[string]Feature
}

// NewFeatureCatalog builds a catalog from fs, falling back to the
// built-in consultation templates when fs is empty.
func NewFeatureCatalog(fs ...Feature) *FeatureCatalog {
	if len(fs) == 0 {
		fs = defaultFeatures
	}
	c := &FeatureCatalog{
		features: append([]Feature(nil), fs...),
		byID:     make(map[string]Feature, len(fs)),
	}
	for _, f := range c.features {
		c.byID[f.ID] = f
	}
	return c
}

func (c *FeatureCatalog) All() []Feature {
	return append([]Feature(nil), c.features...)
}

func (c *FeatureCatalog) Lookup(id string) (Feature, bool) {
	f, ok := c.byID[id]
	return f, ok
}

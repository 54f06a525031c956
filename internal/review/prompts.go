package review

import "fmt"

// Analyzer and modifier prompts. The document corpus is Chinese technical
// writing, so the prompts are too; the JSON keys the models must emit stay
// English to match the wire types.

const analyzerSystemPrompt = `你是一名严谨的技术文档审校专家。你只输出 JSON，不输出任何解释性文字。`

const redundancyAnalyzePromptFmt = `请通读以下文档《%s》，找出内容重复或高度相似的章节段落（包括跨章节的重复表述）。
对每一处需要修改的章节输出一个对象，格式为 JSON 数组：
[{"subtitle": "章节标题（二级标题，或 \"二级标题 > 三级标题\"）", "suggestion": "具体的去重修改建议"}]
同一处跨章节重复应为每个涉及的章节各输出一个对象。只输出 JSON 数组。

文档内容：
%s`

const tableAnalyzePromptFmt = `请通读以下文档《%s》，找出以连续罗列形式描述结构化数据（如名称/数量/面积/用途等成组条目）、更适合用 Markdown 表格呈现的章节。
只对确定适合表格化的章节输出对象，宁缺毋滥，格式为 JSON 数组：
[{"subtitle": "章节标题（二级标题，或 \"二级标题 > 三级标题\"）", "suggestion": "说明应提取哪些列、如何成表"}]
只输出 JSON 数组。

文档内容：
%s`

const thesisExtractPromptFmt = `请通读以下文档《%s》，用一两句话概括其中心论点（全文围绕什么核心目标/主张展开）。只输出论点本身，不要输出其他内容。

文档内容：
%s`

const thesisAnalyzePromptFmt = `文档《%s》的中心论点是：%s

请找出偏离该中心论点、或与之不一致的章节，输出 JSON 数组：
[{"subtitle": "章节标题（二级标题，或 \"二级标题 > 三级标题\"）", "suggestion": "说明偏离之处及如何改写以呼应中心论点"}]
只输出 JSON 数组。

文档内容：
%s`

const evidenceAnalyzePromptFmt = `请通读以下文档《%s》，找出缺乏数据来源或文献支撑的事实性论断（数字、排名、比例、趋势等）。
输出 JSON 数组，每个论断一个对象：
[{"claim_id": "claim-1", "claim_text": "论断原文", "section_title": "所在章节标题", "search_keywords": ["检索词1", "检索词2", "检索词3"], "context": "论断前后文", "confidence": 0.9}]
confidence 表示该论断确属缺乏支撑的把握，取值 0 到 1。只输出 JSON 数组。

文档内容：
%s`

const modifySystemPrompt = `你是一名技术文档改写专家。你只输出改写后的章节正文，不输出标题行、解释或代码围栏。`

const modifyPromptFmt = `章节标题：%s

原文：
%s

修改建议：%s

请按照修改建议改写本章节正文。保留原有的事实信息，只输出改写后的正文，不要输出标题行。`

const tableModifyPromptFmt = `章节标题：%s

原文：
%s

修改建议：%s

请将原文中成组罗列的条目整理为 Markdown 表格（每个条目一行数据），表格之外的叙述性文字保留原样。只输出改写后的正文，不要输出标题行。`

const evidenceModifyPromptFmt = `章节标题：%s

原文段落：
%s

其中论断「%s」已检索到以下佐证来源：
%s

请改写该段落，将论断与来源自然衔接（可用「据…数据」「来源：URL」等方式注明出处），其余内容保持原样。只输出改写后的正文，不要输出标题行。`

func redundancyAnalyzePrompt(title, content string) string {
	return fmt.Sprintf(redundancyAnalyzePromptFmt, title, content)
}

func tableAnalyzePrompt(title, content string) string {
	return fmt.Sprintf(tableAnalyzePromptFmt, title, content)
}

func thesisExtractPrompt(title, content string) string {
	return fmt.Sprintf(thesisExtractPromptFmt, title, content)
}

func thesisAnalyzePrompt(title, thesis, content string) string {
	return fmt.Sprintf(thesisAnalyzePromptFmt, title, thesis, content)
}

func evidenceAnalyzePrompt(title, content string) string {
	return fmt.Sprintf(evidenceAnalyzePromptFmt, title, content)
}

func modifyPrompt(sectionKey, original, suggestion string) string {
	return fmt.Sprintf(modifyPromptFmt, sectionKey, original, suggestion)
}

func tableModifyPrompt(sectionKey, original, suggestion string) string {
	return fmt.Sprintf(tableModifyPromptFmt, sectionKey, original, suggestion)
}

func evidenceModifyPrompt(sectionKey, original, claim, sources string) string {
	return fmt.Sprintf(evidenceModifyPromptFmt, sectionKey, original, claim, sources)
}

package inspector

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// Labels tagging each image part so the model can tell them apart.
const (
	LabelDesktop = "[INPUT: Desktop Banner Image]"
	LabelMobile  = "[INPUT: Mobile Banner Image]"
	LabelIcons   = "[INPUT: Approved Icon List Image]"
)

// SystemPrompt is the fixed audit rubric sent with every request.
const SystemPrompt = `당신은 웹 배너 검수 전문가입니다. 제공된 배너 이미지와 HTML 코드를 분석하여 브랜드 가이드라인 준수 여부를 판단합니다.

## 검수 원칙
- 제공된 이미지와 HTML 코드에서 확인되는 시각적 증거만으로 판단합니다.
- 모든 배너에 동일한 기준을 적용합니다.
- 배너에 사용된 아이콘은 반드시 ` + LabelIcons + `와 대조합니다.

## 영역 구분
1. 텍스트 컴포넌트 영역: PC는 좌측, Mobile은 상단의 HTML 텍스트.
2. 핵심 비주얼 영역: 제품 이미지 등 그래픽 요소.
3. 아이콘+텍스트 영역: 이미지 하단의 구매/혜택/서비스 아이콘과 텍스트.

## 영역별 규칙
- 텍스트 컴포넌트: HTML 텍스트만 검사합니다. PC는 Eyebrow 20pt, Head 56pt, Body 16pt, Mobile은 Eyebrow 18pt, Head 28pt, Body 14pt를 따르며 각 요소는 최대 1줄입니다.
- 핵심 비주얼: 이미지 안에 할인율, 가격, 기간 같은 프로모션 정보나 제품 사양이 있으면 위반입니다. 제품명과 브랜드명, 제품 UI의 일부인 텍스트는 허용됩니다.
- 아이콘: 승인된 아이콘만 최대 3개까지 가로로 일정한 간격을 두고 배치해야 합니다.

## 출력 형식
반드시 아래 구조의 JSON 객체 하나만 출력합니다.
{
  "bannerInspectionReport": {
    "desktop": {
      "overallStatus": "적합" | "부적합",
      "issues": [{"category": "텍스트 컴포넌트" | "레이아웃" | "이미지 내 텍스트" | "아이콘 및 법적 고지", "description": "위반 내용"}],
      "detailedReport": [{"category": "...", "status": "준수" | "위반" | "부분 준수", "comment": "판단 근거"}]
    },
    "mobile": { 동일한 구조 }
  }
}
이미지가 제공되지 않은 뷰포트는 overallStatus를 "부적합"으로 두고 issues에 사유를 적습니다.`

// BuildRequest assembles the multi-part audit request for one banner.
// Images that are not set are left out together with their label.
func BuildRequest(banner inspection.Banner, iconsURL string) inspection.ModelRequest {
	var text strings.Builder
	fmt.Fprintf(&text, "다음 배너를 가이드라인에 따라 검수하세요. 배너 제목: %s\n\n", banner.Title)
	text.WriteString("[INPUT: Banner HTML]\n")
	text.WriteString(banner.HTMLFragment)

	parts := []inspection.ModelPart{{Text: text.String()}}
	parts = appendImage(parts, LabelDesktop, banner.ImageDesktop)
	parts = appendImage(parts, LabelMobile, banner.ImageMobile)
	if iconsURL != "" {
		parts = appendImage(parts, LabelIcons, &iconsURL)
	}
	return inspection.ModelRequest{System: SystemPrompt, Parts: parts}
}

func appendImage(parts []inspection.ModelPart, label string, url *string) []inspection.ModelPart {
	if url == nil || *url == "" {
		return parts
	}
	return append(parts, inspection.ModelPart{Text: label}, inspection.ModelPart{ImageURL: *url})
}

package compiler

import (
	"fmt"

	"storystack-server/shared/models"
)

// ValidationResult — результат структурной проверки бандла.
// Errors перечисляет каждую найденную проблему с именем сущности,
// чтобы вызывающий мог показать список дословно.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate проверяет структурные инварианты скомпилированного бандла:
// непустой список карточек, разрешимость цели каждого выбора и
// разрешимость входного узла навигации. Бандл, не прошедший проверку,
// никогда не кодируется и не отдается наружу.
func Validate(bundle *models.CompiledBundle) ValidationResult {
	result := ValidationResult{}
	if bundle == nil {
		result.Errors = append(result.Errors, "bundle is nil")
		return result
	}

	cardIDs := make(map[string]struct{}, len(bundle.Data.Cards))
	for _, card := range bundle.Data.Cards {
		cardIDs[card.ID] = struct{}{}
	}

	if len(bundle.Data.Cards) == 0 {
		result.Errors = append(result.Errors, "bundle contains no cards")
	}

	for _, choice := range bundle.Data.Choices {
		if _, ok := cardIDs[choice.TargetCardID]; !ok {
			result.Errors = append(result.Errors,
				fmt.Sprintf("choice %q (%s) targets missing card %s", choice.Label, choice.ID, choice.TargetCardID))
		}
		if _, ok := cardIDs[choice.CardID]; !ok {
			result.Errors = append(result.Errors,
				fmt.Sprintf("choice %q (%s) originates from missing card %s", choice.Label, choice.ID, choice.CardID))
		}
	}

	entry := bundle.Data.Navigation.EntryCardID
	if entry == "" {
		result.Errors = append(result.Errors, "navigation entry card is not set")
	} else if _, ok := cardIDs[entry]; !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("navigation entry card %s does not exist", entry))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

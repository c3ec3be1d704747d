package telegram

import (
	"github.com/go-telegram/bot/models"
)

// RelinkKeyboard offers a one-tap relink of a payment's campaigns
func RelinkKeyboard(paymentID string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🔁 Relink campaigns", CallbackData: "relink:" + paymentID},
			},
		},
	}
}

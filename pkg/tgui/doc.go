// Package tgui provides small Telegram UI helpers:
//   - Reply keyboard builders (persistent menus, choice lists)
//   - Inline keyboard builders (confirmation buttons)
//   - Callback data helpers (scope:action:payload)
package tgui
